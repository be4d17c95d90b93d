package process

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// Resources are the parent's handles to everything a child attaches to.
type Resources struct {
	State *shmem.Region
	Queue *shmem.Region
	Data  []*shmem.Region
	Order *os.File // write end of the order pipe; nil when not deterministic
}

// Params describes one child to start.
type Params struct {
	Role      Role
	Index     int
	Pool      string
	Info      types.Info
	Callback  string
	Config    []byte
	LogLevel  string
	Resources Resources
}

// Child is a running child process.
type Child struct {
	role  Role
	index int
	cmd   *exec.Cmd

	done    chan struct{}
	waitErr error

	termOnce sync.Once
	termErr  error
}

// Executable is the binary children re-execute. Tests may override it.
var Executable = os.Executable

// Launch starts the child described by p according to the pool's strategy.
func Launch(p Params) (*Child, error) {
	recipe, files, err := plan(p)
	if err != nil {
		return nil, err
	}

	exe, err := Executable()
	if err != nil {
		return nil, fmt.Errorf("process: locate executable: %w", err)
	}

	var stdin bytes.Buffer
	if err := recipe.Encode(&stdin); err != nil {
		return nil, fmt.Errorf("process: encode recipe: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), EnvRole+"="+string(p.Role))
	cmd.Stdin = &stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s %d: %w", p.Role, p.Index, err)
	}

	c := &Child{role: p.Role, index: p.Index, cmd: cmd, done: make(chan struct{})}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	log.Debug("Child process started", "role", p.Role, "index", p.Index, "pid", cmd.Process.Pid, "strategy", p.Info.Strategy)
	return c, nil
}

// plan builds the recipe and the inherited files for p's strategy.
func plan(p Params) (*Recipe, []*os.File, error) {
	if err := p.Info.Strategy.Validate(); err != nil {
		return nil, nil, err
	}
	res := p.Resources
	if res.State == nil || res.Queue == nil || len(res.Data) != len(p.Info.Shapes) {
		return nil, nil, errors.New("process: incomplete resources")
	}

	recipe := &Recipe{
		Role:      p.Role,
		Index:     p.Index,
		Pool:      p.Pool,
		Info:      p.Info,
		OrderFD:   -1,
		Callback:  p.Callback,
		Config:    p.Config,
		ParentPid: os.Getpid(),
		LogLevel:  p.LogLevel,
	}

	var files []*os.File
	inherit := func(f *os.File) int {
		files = append(files, f)
		return firstExtraFD + len(files) - 1
	}
	ref := func(r *shmem.Region) RegionRef {
		out := RegionRef{Name: r.Name, Path: r.Path, FD: -1}
		if p.Info.Strategy == types.DuplicateOnStart {
			out.FD = inherit(r.File)
		}
		return out
	}

	recipe.State = ref(res.State)
	recipe.Queue = ref(res.Queue)
	for _, r := range res.Data {
		recipe.Data = append(recipe.Data, ref(r))
	}

	// only the dispatcher writes the order pipe
	if p.Role == RoleDispatcher && res.Order != nil {
		recipe.OrderFD = inherit(res.Order)
	}

	return recipe, files, nil
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Role returns what the child runs.
func (c *Child) Role() Role {
	return c.role
}

// Done is closed once the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the child is still running.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits and returns its exit error.
func (c *Child) Wait() error {
	<-c.done
	return c.waitErr
}

// Terminate sends SIGTERM, escalates to SIGKILL after grace and reaps the
// child. Exits caused by these signals are not errors.
func (c *Child) Terminate(grace time.Duration) error {
	c.termOnce.Do(func() {
		c.termErr = c.terminate(grace)
	})
	return c.termErr
}

func (c *Child) terminate(grace time.Duration) error {
	if !c.Alive() {
		return exitError(c.waitErr)
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("SIGTERM failed", "role", c.role, "index", c.index, "error", err)
	}

	select {
	case <-c.done:
	case <-time.After(grace):
		log.Warn("Child ignored SIGTERM, killing", "role", c.role, "index", c.index, "pid", c.Pid())
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("process: kill %s %d: %w", c.role, c.index, err)
		}
		<-c.done
	}
	return exitError(c.waitErr)
}

// exitError drops exits caused by termination signals.
func exitError(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		switch status.Signal() {
		case syscall.SIGTERM, syscall.SIGKILL:
			return nil
		}
	}
	return err
}
