// ============================================================================
// concurrent-buffer 配置 - YAML 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 configs/*.yaml，套用預設值並驗證
//
// 結構:
//   pool:        槽位數量、形狀、型別、Worker 數量、模式、策略
//   dispatcher:  註冊名稱 + 任意設定（轉成 JSON 交給子行程）
//   worker:      同上
//   consumer:    run 指令消費多少項目、每項停留多久
//   shutdown:    停止訊號上限、SIGTERM → SIGKILL 間隔
//   metrics:     Prometheus 端點
//   log:         日誌等級
//
// 未出現在檔案中的欄位保留 Default() 的值。
//
// ============================================================================

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// ErrInvalidConfig 配置不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整配置
type Config struct {
	Pool       Pool      `yaml:"pool"`
	Dispatcher Component `yaml:"dispatcher"`
	Worker     Component `yaml:"worker"`
	Consumer   Consumer  `yaml:"consumer"`
	Shutdown   Shutdown  `yaml:"shutdown"`
	Metrics    Metrics   `yaml:"metrics"`
	Log        Log       `yaml:"log"`
}

// Pool 緩衝池描述
type Pool struct {
	Name          string         `yaml:"name"` // 空字串時自動產生
	Count         int            `yaml:"count"`
	Shapes        [][]int        `yaml:"shapes"`
	DType         types.DType    `yaml:"dtype"`
	Workers       int            `yaml:"workers"`
	Deterministic bool           `yaml:"deterministic"`
	Strategy      types.Strategy `yaml:"strategy"`
}

// Component 指向已註冊的 Dispatcher 或 Worker
type Component struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

// Consumer run 指令的消費行為
type Consumer struct {
	Items int           `yaml:"items"` // 0 表示直到收到訊號
	Hold  time.Duration `yaml:"hold"`  // 每個項目持有多久再取下一個
}

// Shutdown 關閉參數
type Shutdown struct {
	SentinelTimeout time.Duration `yaml:"sentinel_timeout"`
	Grace           time.Duration `yaml:"grace"`
}

// Metrics Prometheus 配置
type Metrics struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// Log 日誌配置
type Log struct {
	Level string `yaml:"level"`
}

// Default 返回預設配置，與 configs/default.yaml 相同
func Default() *Config {
	return &Config{
		Pool: Pool{
			Count:         24,
			Shapes:        [][]int{{12, 284, 284, 3}},
			DType:         types.Uint8,
			Workers:       6,
			Deterministic: true,
			Strategy:      types.FreshStart,
		},
		Dispatcher: Component{Name: "times"},
		Worker:     Component{Name: "fill"},
		Consumer:   Consumer{Items: 50},
		Shutdown: Shutdown{
			SentinelTimeout: time.Second,
			Grace:           2 * time.Second,
		},
		Metrics: Metrics{Addr: ":9090", Interval: time.Second},
		Log:     Log{Level: "info"},
	}
}

// Load 讀取並驗證 path 的配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 在預設值之上解析 YAML 並驗證
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Info 返回池描述
func (c *Config) Info() types.Info {
	return types.Info{
		Count:         c.Pool.Count,
		Shapes:        c.Pool.Shapes,
		DType:         c.Pool.DType,
		Workers:       c.Pool.Workers,
		Deterministic: c.Pool.Deterministic,
		Strategy:      c.Pool.Strategy,
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if err := c.Info().Validate(); err != nil {
		return fmt.Errorf("%w: pool: %w", ErrInvalidConfig, err)
	}
	if c.Dispatcher.Name == "" {
		return fmt.Errorf("%w: dispatcher.name is required", ErrInvalidConfig)
	}
	if c.Worker.Name == "" {
		return fmt.Errorf("%w: worker.name is required", ErrInvalidConfig)
	}
	if c.Consumer.Items < 0 || c.Consumer.Hold < 0 {
		return fmt.Errorf("%w: consumer values must not be negative", ErrInvalidConfig)
	}
	if c.Shutdown.SentinelTimeout <= 0 || c.Shutdown.Grace <= 0 {
		return fmt.Errorf("%w: shutdown timeouts must be positive", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Addr == "" || c.Metrics.Interval <= 0) {
		return fmt.Errorf("%w: metrics needs addr and a positive interval", ErrInvalidConfig)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// JSON 把元件設定轉成 JSON，交給 RegisterDispatcher / RegisterWorker 的型別解碼
func (c Component) JSON() ([]byte, error) {
	if len(c.Config) == 0 {
		return nil, nil
	}
	return json.Marshal(c.Config)
}

// Decode 把元件設定解到 v（已註冊型別的指標）
func (c Component) Decode(v any) error {
	b, err := c.JSON()
	if err != nil || b == nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s config: %w", c.Name, err)
	}
	return nil
}

// SlogLevel 解析日誌等級；空字串為 info
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
