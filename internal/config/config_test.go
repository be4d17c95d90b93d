package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

func TestLoadDefaultFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Info(), cfg.Info(), "configs/default.yaml matches Default()")
	assert.Equal(t, want.Shutdown, cfg.Shutdown)
	assert.Equal(t, want.Metrics, cfg.Metrics)
	assert.Equal(t, "times", cfg.Dispatcher.Name)

	b, err := cfg.Dispatcher.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"times":[1,5,1,4,1,1,2,4,2,4]}`, string(b))
}

func TestParseValidYAML(t *testing.T) {
	data := []byte(`
pool:
  count: 8
  shapes: [[4, 4], [2]]
  dtype: float32
  workers: 2
  deterministic: false
  strategy: fork
dispatcher:
  name: custom
  config:
    start: 3
consumer:
  items: 0
  hold: 50ms
shutdown:
  grace: 500ms
log:
  level: debug
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, types.Info{
		Count:         8,
		Shapes:        [][]int{{4, 4}, {2}},
		DType:         types.Float32,
		Workers:       2,
		Deterministic: false,
		Strategy:      types.DuplicateOnStart,
	}, cfg.Info())
	assert.Equal(t, "custom", cfg.Dispatcher.Name)
	assert.Equal(t, "fill", cfg.Worker.Name, "untouched sections keep defaults")
	assert.Equal(t, 0, cfg.Consumer.Items)
	assert.Equal(t, 50*time.Millisecond, cfg.Consumer.Hold)
	assert.Equal(t, 500*time.Millisecond, cfg.Shutdown.Grace)
	assert.Equal(t, time.Second, cfg.Shutdown.SentinelTimeout)

	var target struct {
		Start int `json:"start"`
	}
	require.NoError(t, cfg.Dispatcher.Decode(&target))
	assert.Equal(t, 3, target.Start)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		target error
	}{
		{"bad strategy", "pool:\n  strategy: thread\n", types.ErrUnsupportedStrategy},
		{"bad dtype", "pool:\n  dtype: complex64\n", ErrInvalidConfig},
		{"zero count", "pool:\n  count: 0\n", ErrInvalidConfig},
		{"no worker", "worker:\n  name: \"\"\n", ErrInvalidConfig},
		{"negative hold", "consumer:\n  hold: -1s\n", ErrInvalidConfig},
		{"zero grace", "shutdown:\n  grace: 0s\n", ErrInvalidConfig},
		{"metrics without addr", "metrics:\n  enabled: true\n  addr: \"\"\n", ErrInvalidConfig},
		{"bad level", "log:\n  level: loud\n", ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("pool: [unclosed"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestComponentWithoutConfig(t *testing.T) {
	b, err := Component{Name: "x"}.JSON()
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, Component{Name: "x"}.Decode(&struct{}{}))
}
