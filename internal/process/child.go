package process

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/dispatcher"
	"github.com/martvanrijthoven/concurrent-buffer/internal/memory"
	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/internal/worker"
)

// Exit codes of a child process.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitRecipe  = 2
)

// parentCheckInterval is how often a child looks for its parent.
const parentCheckInterval = 500 * time.Millisecond

// Callbacks rebuild the user's producer and computer from a recipe.
type Callbacks struct {
	Dispatcher func(name string, config []byte) (dispatcher.Producer, error)
	Worker     func(name string, config []byte) (worker.Computer, error)
}

// CurrentRole returns the role this process was started for, or "".
func CurrentRole() Role {
	return Role(os.Getenv(EnvRole))
}

// Attached is the child's view of the pool.
type Attached struct {
	Table *state.Table
	Queue *queue.Queue
	Store *memory.Store
	Order *queue.Channel

	regions []*shmem.Region
}

// Attach maps every resource named by recipe.
func Attach(recipe *Recipe) (*Attached, error) {
	a := &Attached{}
	fail := func(err error) (*Attached, error) {
		a.Close()
		return nil, err
	}

	stateRegion, err := a.open(recipe.State)
	if err != nil {
		return fail(err)
	}
	if a.Table, err = state.Attach(stateRegion); err != nil {
		return fail(err)
	}

	queueRegion, err := a.open(recipe.Queue)
	if err != nil {
		return fail(err)
	}
	if a.Queue, err = queue.Attach(queueRegion); err != nil {
		return fail(err)
	}

	data := make([]*shmem.Region, len(recipe.Data))
	for i, ref := range recipe.Data {
		if data[i], err = a.open(ref); err != nil {
			return fail(err)
		}
	}
	if a.Store, err = memory.New(recipe.Info, data); err != nil {
		return fail(err)
	}

	if recipe.OrderFD >= 0 {
		a.Order = queue.ChannelFromFiles(nil, os.NewFile(uintptr(recipe.OrderFD), "order"))
	}
	return a, nil
}

// open maps ref from an inherited descriptor or by path.
func (a *Attached) open(ref RegionRef) (*shmem.Region, error) {
	var (
		region *shmem.Region
		err    error
	)
	if ref.FD >= 0 {
		region, err = shmem.FromFile(os.NewFile(uintptr(ref.FD), ref.Path))
	} else {
		region, err = shmem.Open(ref.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("process: attach %s: %w", ref.Name, err)
	}
	a.regions = append(a.regions, region)
	return region, nil
}

// Close unmaps everything. Region files are left to the parent.
func (a *Attached) Close() error {
	var errs []error
	if a.Order != nil {
		errs = append(errs, a.Order.Close())
	}
	for _, r := range a.regions {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Main runs the child side when this process was started by Launch and
// returns its exit code. It reads the recipe from stdin.
func Main(cb Callbacks) int {
	role := CurrentRole()

	recipe, err := DecodeRecipe(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cbuffer %s: %v\n", role, err)
		return ExitRecipe
	}
	setupLogging(recipe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchParent(ctx, recipe.ParentPid, cancel)

	if err := Serve(ctx, recipe, cb); err != nil {
		slog.Error("Child failed", "error", err)
		return ExitFailure
	}
	return ExitOK
}

// Serve attaches to the pool and runs the recipe's role until ctx ends.
func Serve(ctx context.Context, recipe *Recipe, cb Callbacks) error {
	attached, err := Attach(recipe)
	if err != nil {
		return err
	}
	defer attached.Close()

	switch recipe.Role {
	case RoleDispatcher:
		if cb.Dispatcher == nil {
			return errors.New("process: no dispatcher factory")
		}
		producer, err := cb.Dispatcher(recipe.Callback, recipe.Config)
		if err != nil {
			return err
		}
		var opts []dispatcher.Option
		if attached.Order != nil {
			opts = append(opts, dispatcher.WithOrder(attached.Order))
		}
		return dispatcher.New(producer, attached.Table, attached.Queue, opts...).Run(ctx)

	case RoleWorker:
		if cb.Worker == nil {
			return errors.New("process: no worker factory")
		}
		computer, err := cb.Worker(recipe.Callback, recipe.Config)
		if err != nil {
			return err
		}
		w := worker.NewWorker(recipe.Index, computer, attached.Queue, attached.Table, attached.Store, recipe.Info.Deterministic)
		return w.Run(ctx)
	}
	return fmt.Errorf("process: unknown role %q", recipe.Role)
}

// setupLogging tags every log line of this process with its role. Package
// loggers hold slog.Default from init time, which writes through the log
// package, so the prefix and level apply to them too.
func setupLogging(recipe *Recipe) {
	stdlog.SetOutput(os.Stderr)
	stdlog.SetPrefix(fmt.Sprintf("[%s %s-%d pid=%d] ", recipe.Pool, recipe.Role, recipe.Index, os.Getpid()))

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(recipe.LogLevel))); err == nil && recipe.LogLevel != "" {
		slog.SetLogLoggerLevel(level)
	}
}

// watchParent cancels once the parent is gone.
func watchParent(ctx context.Context, parent int, cancel context.CancelFunc) {
	if parent <= 0 {
		return
	}
	ticker := time.NewTicker(parentCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != parent {
				slog.Warn("Parent process gone, exiting", "parent_pid", parent)
				cancel()
				return
			}
		}
	}
}
