// ============================================================================
// concurrent-buffer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands to run a buffer pool and look at running ones
//
// Command Structure:
//   cbuffer                        # Root command
//   ├── run                        # Start a pool and consume from it
//   │   └── --items, -n            # Override consumer.items
//   ├── status                     # Config summary + every live pool
//   ├── inspect <pool>             # Slot states of one live pool
//   │   ├── --json                 # Machine-readable output
//   │   └── --slots                # Include the state of every slot
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config
//   2. Build dispatcher and worker from their registered names
//   3. Start metrics endpoint (if enabled)
//   4. Start the pool and consume consumer.items items
//   5. SIGINT / SIGTERM stop consuming; the pool is always shut down
//
// status / inspect:
//   Live pools are found by their "<name>-state" region in the shared
//   memory directory. Both commands map the state region read-write but
//   never change it.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martvanrijthoven/concurrent-buffer/internal/config"
	_ "github.com/martvanrijthoven/concurrent-buffer/internal/example" // registers "times" and "fill"
	"github.com/martvanrijthoven/concurrent-buffer/internal/metrics"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

var configFile string

const stateSuffix = "-state"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cbuffer",
		Short: "cbuffer: a cross-process circular buffer pool",
		Long: `cbuffer runs a pool of shared-memory slots filled by a dispatcher
process and worker processes and drained by one consumer:
- completion order or strict production order
- fork-like or fresh child processes
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var items int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a buffer pool and consume from it",
		Long:  "Start the dispatcher and worker processes described by the config and consume items until done or interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("items") {
				cfg.Consumer.Items = items
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPool(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().IntVarP(&items, "items", "n", 0, "number of items to consume (0: until interrupted)")
	return cmd
}

// runPool starts the pool in cfg, consumes from it and always stops it.
func runPool(ctx context.Context, out io.Writer, cfg *config.Config) error {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetLogLoggerLevel(level)

	info := cfg.Info()
	d, w, err := buildCallbacks(cfg, info)
	if err != nil {
		return err
	}

	opts := []bufferpool.Option{
		bufferpool.WithLogLevel(cfg.Log.Level),
		bufferpool.WithShutdown(cfg.Shutdown.SentinelTimeout, cfg.Shutdown.Grace),
	}
	if cfg.Pool.Name != "" {
		opts = append(opts, bufferpool.WithName(cfg.Pool.Name))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, bufferpool.WithMetrics(cfg.Metrics.Interval))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	start := time.Now()
	it, err := bufferpool.New(info, d, w, opts...)
	if err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	defer func() {
		if err := it.Stop(); err != nil {
			log.Error("Pool shutdown reported errors", "error", err)
		}
	}()
	fmt.Fprintf(out, "✓ Pool %s started (%d slots, %d workers, %s, deterministic=%v)\n",
		it.Name(), info.Count, info.Workers, info.Strategy, info.Deterministic)

	n := 0
	var runErr error
	for item, err := range it.All(ctx) {
		if err != nil {
			runErr = err
			break
		}
		n++
		log.Debug("Item consumed", "n", n, "slot", item.Slot, "first", item.Data[0].Float64(0))

		if cfg.Consumer.Hold > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Consumer.Hold):
			}
		}
		if cfg.Consumer.Items > 0 && n >= cfg.Consumer.Items {
			break
		}
	}
	if runErr != nil && ctx.Err() != nil {
		fmt.Fprintln(out, "\nReceived shutdown signal, stopping...")
		runErr = nil
	}

	elapsed := time.Since(start)
	if stats, err := it.Stats(); err == nil {
		printCounts(out, stats.Slots)
	}
	fmt.Fprintf(out, "✓ Consumed %d items in %s (%.1f items/s)\n", n, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds())
	return runErr
}

// buildCallbacks builds the dispatcher and worker named in cfg. The worker
// config defaults "shapes" and "dtype" to the pool's.
func buildCallbacks(cfg *config.Config, info types.Info) (bufferpool.Dispatcher, bufferpool.Worker, error) {
	dconfig, err := cfg.Dispatcher.JSON()
	if err != nil {
		return nil, nil, err
	}
	d, err := bufferpool.NewDispatcher(cfg.Dispatcher.Name, dconfig)
	if err != nil {
		return nil, nil, err
	}

	wc := config.Component{Name: cfg.Worker.Name, Config: map[string]any{
		"shapes": info.Shapes,
		"dtype":  info.DType,
	}}
	maps.Copy(wc.Config, cfg.Worker.Config)
	wconfig, err := wc.JSON()
	if err != nil {
		return nil, nil, err
	}
	w, err := bufferpool.NewWorker(cfg.Worker.Name, wconfig)
	if err != nil {
		return nil, nil, err
	}
	return d, w, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show config and live pools",
		Long:  "Display the configured pool and the slot states of every pool found in shared memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	info := cfg.Info()

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           cbuffer Status                                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:    %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Slots:          %d x %v %s\n", info.Count, info.Shapes, info.DType)
	bytes := 0
	for k := range info.Shapes {
		bytes += info.RegionBytes(k)
	}
	fmt.Fprintf(out, "  ├─ Shared Data:    %.1f MB\n", float64(bytes)/(1024*1024))
	fmt.Fprintf(out, "  ├─ Workers:        %d (%s)\n", info.Workers, info.Strategy)
	fmt.Fprintf(out, "  ├─ Deterministic:  %v\n", info.Deterministic)
	fmt.Fprintf(out, "  └─ Callbacks:      %s → %s\n", cfg.Dispatcher.Name, cfg.Worker.Name)
	fmt.Fprintln(out)

	pools, err := livePools()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📊 Live Pools (%s):\n", shmem.Dir())
	if len(pools) == 0 {
		fmt.Fprintln(out, "  └─ none (run 'cbuffer run' to start one)")
	}
	for i, name := range pools {
		branch := "├─"
		if i == len(pools)-1 {
			branch = "└─"
		}
		stats, err := inspectPool(name)
		if err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", branch, name, err)
			continue
		}
		c := stats.Counts
		fmt.Fprintf(out, "  %s %s: free=%d available=%d reserved=%d processing=%d\n", branch, name,
			c[types.StateFree], c[types.StateAvailable], c[types.StateReserved], c[types.StateProcessing])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// livePools returns the names of pools whose state region exists.
func livePools() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(shmem.Dir(), "*"+stateSuffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), stateSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var asJSON, slots bool

	cmd := &cobra.Command{
		Use:   "inspect <pool>",
		Short: "Show slot states of a live pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], asJSON, slots)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&slots, "slots", false, "include every slot's state")
	return cmd
}

type inspection struct {
	Pool  string      `json:"pool"`
	Stats state.Stats `json:"stats"`
	Slots []string    `json:"slots,omitempty"`
}

func inspect(out io.Writer, name string, asJSON, withSlots bool) error {
	table, closeFn, err := attachState(name)
	if err != nil {
		return err
	}
	defer closeFn()

	result := inspection{Pool: name, Stats: table.Stats()}
	if withSlots {
		for _, s := range table.Snapshot() {
			result.Slots = append(result.Slots, s.String())
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "Pool %s (%d slots)\n", name, table.Count())
	printCounts(out, result.Stats)
	fmt.Fprintf(out, "  transitions: reserve=%d available=%d claim=%d release=%d\n",
		result.Stats.Reservations, result.Stats.Availabilities, result.Stats.Claims, result.Stats.Releases)
	for i, s := range result.Slots {
		fmt.Fprintf(out, "  slot %3d: %s\n", i, s)
	}
	return nil
}

func inspectPool(name string) (state.Stats, error) {
	table, closeFn, err := attachState(name)
	if err != nil {
		return state.Stats{}, err
	}
	defer closeFn()
	return table.Stats(), nil
}

func attachState(name string) (*state.Table, func() error, error) {
	region, err := shmem.Open(shmem.PathFor(name + stateSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("no live pool named %q", name)
		}
		return nil, nil, err
	}
	table, err := state.Attach(region)
	if err != nil {
		region.Close()
		return nil, nil, err
	}
	return table, region.Close, nil
}

func printCounts(out io.Writer, stats state.Stats) {
	fmt.Fprint(out, "  slots:")
	for _, s := range types.AllStates() {
		fmt.Fprintf(out, " %s=%d", s, stats.Counts[s])
	}
	fmt.Fprintln(out)
}
