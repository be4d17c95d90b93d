package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/internal/config"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

func TestMain(m *testing.M) {
	bufferpool.Init()
	os.Exit(m.Run())
}

// ============================================================================
// Test Helper Functions
// ============================================================================

const smallConfig = `
pool:
  count: 4
  shapes: [[2, 3]]
  dtype: float32
  workers: 2
  deterministic: true
  strategy: spawn
dispatcher:
  name: times
  config:
    times: [1, 2, 3]
worker:
  name: fill
  config:
    time_unit: 1000000
consumer:
  items: 7
shutdown:
  sentinel_timeout: 1s
  grace: 1s
`

// writeConfig writes content to a temp file and points --config at it
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
	return path
}

// newStateRegion creates a pool state region named "<name>-state"
func newStateRegion(t *testing.T, name string, count int) *state.Table {
	t.Helper()
	m := shmem.NewManager(name)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })

	region, err := m.Create("state", state.RegionSize(count))
	require.NoError(t, err)
	table, err := state.New(region, count)
	require.NoError(t, err)
	return table
}

// ============================================================================
// Command Structure
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "cbuffer", cmd.Use, "Root command should be 'cbuffer'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["inspect"], "Should have 'inspect' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	itemsFlag := cmd.Flags().Lookup("items")
	require.NotNil(t, itemsFlag, "Should have --items flag")
	assert.Equal(t, "n", itemsFlag.Shorthand)
}

func TestBuildInspectCommand(t *testing.T) {
	cmd := buildInspectCommand()

	assert.Equal(t, "inspect", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("json"))
	assert.NotNil(t, cmd.Flags().Lookup("slots"))
	assert.Error(t, cmd.Args(cmd, nil), "inspect needs a pool name")
	assert.NoError(t, cmd.Args(cmd, []string{"p"}))
}

// ============================================================================
// run
// ============================================================================

func TestBuildCallbacks(t *testing.T) {
	cfg, err := config.Parse([]byte(smallConfig))
	require.NoError(t, err)

	d, w, err := buildCallbacks(cfg, cfg.Info())
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.NotNil(t, w)

	t.Run("worker config overrides pool dtype", func(t *testing.T) {
		cfg, err := config.Parse([]byte(smallConfig))
		require.NoError(t, err)
		cfg.Worker.Config["dtype"] = "nope"

		_, _, err = buildCallbacks(cfg, cfg.Info())
		assert.NoError(t, err, "dtype is only checked when computing")
	})

	t.Run("unknown dispatcher", func(t *testing.T) {
		cfg, err := config.Parse([]byte(smallConfig))
		require.NoError(t, err)
		cfg.Dispatcher.Name = "missing"

		_, _, err = buildCallbacks(cfg, cfg.Info())
		assert.ErrorIs(t, err, bufferpool.ErrNotRegistered)
	})

	t.Run("unknown worker", func(t *testing.T) {
		cfg, err := config.Parse([]byte(smallConfig))
		require.NoError(t, err)
		cfg.Worker.Name = "missing"

		_, _, err = buildCallbacks(cfg, cfg.Info())
		assert.ErrorIs(t, err, bufferpool.ErrNotRegistered)
	})
}

func TestRunPool(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())
	cfg, err := config.Parse([]byte(smallConfig))
	require.NoError(t, err)
	cfg.Pool.Name = "cli-run"

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, runPool(ctx, &out, cfg))

	assert.Contains(t, out.String(), "Pool cli-run started")
	assert.Contains(t, out.String(), "Consumed 7 items")

	pools, err := livePools()
	require.NoError(t, err)
	assert.Empty(t, pools, "run must release every region")
}

func TestRunPoolCancelled(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())
	cfg, err := config.Parse([]byte(smallConfig))
	require.NoError(t, err)
	cfg.Consumer.Items = 0

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, runPool(ctx, &out, cfg), "cancellation is a clean exit")
	assert.Contains(t, out.String(), "Received shutdown signal")
}

func TestRunCommandBadConfig(t *testing.T) {
	path := writeConfig(t, "pool:\n  count: -1\n")

	cmd := BuildCLI()
	cmd.SetArgs([]string{"run", "--config", path})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// ============================================================================
// status / inspect
// ============================================================================

func TestStatus(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())
	writeConfig(t, smallConfig)

	table := newStateRegion(t, "cli-status", 3)
	id, ok := table.ReserveFree()
	require.True(t, ok)
	table.ReleaseToAvailable(id)

	var out bytes.Buffer
	require.NoError(t, showStatus(&out))

	s := out.String()
	assert.Contains(t, s, "Slots:          4 x [[2 3]] float32")
	assert.Contains(t, s, "times → fill")
	assert.Contains(t, s, "cli-status: free=2 available=1 reserved=0 processing=0")
	assert.Contains(t, s, "Disabled")
}

func TestStatusNoPools(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())
	writeConfig(t, smallConfig)

	var out bytes.Buffer
	require.NoError(t, showStatus(&out))
	assert.Contains(t, out.String(), "none")
}

func TestLivePools(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())

	newStateRegion(t, "b-pool", 1)
	newStateRegion(t, "a-pool", 1)
	require.NoError(t, os.WriteFile(shmem.PathFor("a-pool-queue"), nil, 0600))

	pools, err := livePools()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-pool", "b-pool"}, pools)
}

func TestInspectJSON(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())

	table := newStateRegion(t, "cli-inspect", 4)
	_, ok := table.ReserveFree()
	require.True(t, ok)
	b, ok := table.ReserveFree()
	require.True(t, ok)
	table.ReleaseToAvailable(b)
	_, ok = table.ClaimAvailable()
	require.True(t, ok)

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", "cli-inspect", "--json", "--slots"})
	require.NoError(t, cmd.Execute())

	var got inspection
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "cli-inspect", got.Pool)
	assert.Equal(t, 2, got.Stats.Counts[types.StateFree])
	assert.Equal(t, 1, got.Stats.Counts[types.StateReserved])
	assert.Equal(t, 1, got.Stats.Counts[types.StateProcessing])
	assert.Equal(t, uint64(2), got.Stats.Reservations)
	assert.Equal(t, uint64(1), got.Stats.Claims)
	assert.Equal(t, []string{"reserved", "processing", "free", "free"}, got.Slots)
}

func TestInspectText(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())
	newStateRegion(t, "cli-text", 2)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, "cli-text", false, true))

	s := out.String()
	assert.Contains(t, s, "Pool cli-text (2 slots)")
	assert.Contains(t, s, "free=2")
	assert.Contains(t, s, "slot   1: free")
}

func TestInspectMissingPool(t *testing.T) {
	t.Setenv(shmem.EnvDir, t.TempDir())

	err := inspect(&bytes.Buffer{}, "nobody", false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no live pool named "nobody"`)
}
