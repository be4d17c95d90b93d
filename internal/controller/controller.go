// ============================================================================
// concurrent-buffer 控制器 - 緩衝池協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依固定順序建立與拆除緩衝池的所有資源與子行程
//
// 架構設計:
//   Controller 是父行程中唯一知道所有組件的地方：
//   - shmem.Manager: 共享區域的建立與回收
//   - state.Table: 槽位狀態表（全部 Free 開始）
//   - queue.Queue: 跨行程工作佇列，容量 Count + Workers
//   - memory.Store: 資料區，父行程只讀
//   - queue.Channel: 決定性模式下的順序管道
//   - Dispatcher 子行程 + worker.Pool（N 個 Worker 子行程）
//
// 啟動順序:
//   1. manager.Start()
//   2. 建立 state / queue / data-k 區域
//   3. state.New() → 所有槽位 Free
//   4. memory.New() → 只讀視圖
//   5. 決定性模式建立順序管道
//   6. 啟動 Dispatcher 子行程
//   7. 啟動 Worker 子行程
//   任何一步失敗都會拆除已建立的部分。
//
// 關閉順序（不可調換）:
//   1. 推送 W 個停止訊號（有時間上限）
//   2. 終止並回收所有 Worker
//   3. 終止並回收 Dispatcher
//   4. 關閉順序管道兩端
//   5. 釋放所有區域（unmap, close, unlink）
//   進行中的寫入會被放棄，不回報任何遺失。
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martvanrijthoven/concurrent-buffer/internal/memory"
	"github.com/martvanrijthoven/concurrent-buffer/internal/process"
	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/internal/worker"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 表示控制器已關閉
	ErrStopped = errors.New("controller: stopped")
	// ErrNoCallback 表示沒有指定 Dispatcher 或 Worker 的註冊名稱
	ErrNoCallback = errors.New("controller: callback name required")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// DefaultPrefix 是自動產生池名稱的前綴
const DefaultPrefix = "cbuf"

// Callback 指向子行程中已註冊的工廠與其設定
type Callback struct {
	Name   string // 註冊名稱
	Config []byte // 匯出欄位的 JSON
}

// Config Controller 配置
type Config struct {
	Info       types.Info
	Dispatcher Callback
	Worker     Callback
	Name       string // 池名稱；空字串時自動產生
	LogLevel   string // 子行程日誌等級
	Stop       worker.StopOptions
	Grace      time.Duration // Dispatcher 的 SIGTERM → SIGKILL 間隔
	RecordSize int           // 佇列紀錄大小；0 為 queue.DefaultRecordSize
}

// Handles 是消費端需要的共享資源
type Handles struct {
	Info  types.Info
	Table *state.Table
	Store *memory.Store
	Order *queue.Channel // 非決定性模式為 nil
}

// Stats 是池的即時狀態
type Stats struct {
	Name          string        `json:"name"`
	Count         int           `json:"count"`
	Workers       int           `json:"workers"`
	Deterministic bool          `json:"deterministic"`
	Strategy      string        `json:"strategy"`
	Slots         state.Stats   `json:"slots"`
	QueueLen      int           `json:"queue_len"`
	DispatcherPid int           `json:"dispatcher_pid"`
	WorkerPids    []int         `json:"worker_pids"`
	Uptime        time.Duration `json:"uptime"`
}

// Controller 核心控制器
type Controller struct {
	mu     sync.Mutex
	config Config
	name   string

	manager    *shmem.Manager
	table      *state.Table
	queue      *queue.Queue
	store      *memory.Store
	order      *queue.Channel
	resources  process.Resources
	dispatcher *process.Child
	pool       *worker.Pool

	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 驗證配置並建立 Controller；尚未配置任何資源
func NewController(config Config) (*Controller, error) {
	if err := config.Info.Strategy.Validate(); err != nil {
		return nil, err
	}
	if err := config.Info.Validate(); err != nil {
		return nil, err
	}
	if config.Dispatcher.Name == "" || config.Worker.Name == "" {
		return nil, ErrNoCallback
	}
	if config.Stop == (worker.StopOptions{}) {
		config.Stop = worker.DefaultStopOptions
	}
	if config.Grace <= 0 {
		config.Grace = worker.DefaultStopOptions.Grace
	}
	if config.RecordSize <= 0 {
		config.RecordSize = queue.DefaultRecordSize
	}

	name := config.Name
	if name == "" {
		name = NewName(DefaultPrefix)
	}

	return &Controller{
		config:  config,
		name:    name,
		manager: shmem.NewManager(name),
		stopCh:  make(chan struct{}),
	}, nil
}

// NewName 返回 "<prefix>-<8 位 uuid>"
func NewName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Name 返回池名稱，也是所有區域名稱的前綴
func (c *Controller) Name() string {
	return c.name
}

// Info 返回池描述
func (c *Controller) Info() types.Info {
	return c.config.Info
}

// Start 依序配置資源並啟動子行程
func (c *Controller) Start() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller: already started")
	}
	c.startTime = time.Now()

	defer func() {
		if err != nil {
			c.teardown()
			c.stopped = true
		}
	}()

	if err := c.manager.Start(); err != nil {
		return fmt.Errorf("start region manager: %w", err)
	}
	if err := c.allocate(); err != nil {
		return err
	}
	if err := c.startDispatcher(); err != nil {
		return err
	}
	if err := c.startWorkers(); err != nil {
		return err
	}

	c.started = true
	c.loopWg.Add(1)
	go c.monitorLoop(c.dispatcher)

	info := c.config.Info
	log.Info("Buffer pool started",
		"name", c.name,
		"count", info.Count,
		"workers", info.Workers,
		"deterministic", info.Deterministic,
		"strategy", info.Strategy,
		"duration", time.Since(c.startTime))
	return nil
}

// allocate 建立所有共享區域與順序管道
func (c *Controller) allocate() error {
	info := c.config.Info

	stateRegion, err := c.manager.Create("state", state.RegionSize(info.Count))
	if err != nil {
		return fmt.Errorf("allocate state: %w", err)
	}
	if c.table, err = state.New(stateRegion, info.Count); err != nil {
		return err
	}

	// 在途描述最多 Count 個，另留 Workers 個位置給停止訊號
	capacity := info.Count + info.Workers
	queueRegion, err := c.manager.Create("queue", queue.RegionSize(capacity, c.config.RecordSize))
	if err != nil {
		return fmt.Errorf("allocate queue: %w", err)
	}
	if c.queue, err = queue.New(queueRegion, capacity, c.config.RecordSize); err != nil {
		return err
	}

	data := make([]*shmem.Region, len(info.Shapes))
	for k := range info.Shapes {
		if data[k], err = c.manager.Create(memory.RegionName(k), info.RegionBytes(k)); err != nil {
			return fmt.Errorf("allocate data %d: %w", k, err)
		}
	}
	if c.store, err = memory.New(info, data); err != nil {
		return err
	}
	if err := c.store.ReadOnly(); err != nil {
		return err
	}

	c.resources = process.Resources{State: stateRegion, Queue: queueRegion, Data: data}
	if info.Deterministic {
		if c.order, err = queue.NewChannel(); err != nil {
			return err
		}
		c.resources.Order = c.order.Writer()
	}
	return nil
}

func (c *Controller) params(role process.Role, index int, cb Callback) process.Params {
	return process.Params{
		Role:      role,
		Index:     index,
		Pool:      c.name,
		Info:      c.config.Info,
		Callback:  cb.Name,
		Config:    cb.Config,
		LogLevel:  c.config.LogLevel,
		Resources: c.resources,
	}
}

func (c *Controller) startDispatcher() error {
	child, err := process.Launch(c.params(process.RoleDispatcher, 0, c.config.Dispatcher))
	if err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	c.dispatcher = child

	// 父行程只讀；放掉寫端後 Dispatcher 結束時讀端會看到 EOF
	if c.order != nil {
		if err := c.order.CloseWriter(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) startWorkers() error {
	c.pool = worker.NewPool(c.queue, worker.SpawnFunc(func(index int) (worker.Process, error) {
		return process.Launch(c.params(process.RoleWorker, index, c.config.Worker))
	}))
	if err := c.pool.Start(c.config.Info.Workers); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	return nil
}

// monitorLoop 在 Dispatcher 意外結束時記錄日誌
func (c *Controller) monitorLoop(child *process.Child) {
	defer c.loopWg.Done()

	select {
	case <-c.stopCh:
	case <-child.Done():
		if err := child.Wait(); err != nil {
			log.Error("Dispatcher exited unexpectedly", "name", c.name, "pid", child.Pid(), "error", err)
		} else {
			log.Warn("Dispatcher exited", "name", c.name, "pid", child.Pid())
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Handles 返回消費端使用的資源
func (c *Controller) Handles() (Handles, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return Handles{}, err
	}
	return Handles{Info: c.config.Info, Table: c.table, Store: c.store, Order: c.order}, nil
}

func (c *Controller) checkLocked() error {
	if c.stopped {
		return ErrStopped
	}
	if !c.started {
		return fmt.Errorf("controller: %w", shmem.ErrManagerNotStarted)
	}
	return nil
}

// Stats 取得池狀態
func (c *Controller) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return Stats{}, err
	}
	info := c.config.Info
	return Stats{
		Name:          c.name,
		Count:         info.Count,
		Workers:       info.Workers,
		Deterministic: info.Deterministic,
		Strategy:      info.Strategy.String(),
		Slots:         c.table.Stats(),
		QueueLen:      c.queue.Len(),
		DispatcherPid: c.dispatcher.Pid(),
		WorkerPids:    c.pool.Pids(),
		Uptime:        time.Since(c.startTime),
	}, nil
}

// Running 報告池是否已啟動且尚未關閉
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// Stop 依關閉順序拆除整個池。可重複呼叫；只有第一次會做事。
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true
	if !c.started {
		return c.manager.Shutdown()
	}

	log.Info("Stopping buffer pool...", "name", c.name)
	err := c.teardown()
	log.Info("Buffer pool stopped", "name", c.name, "uptime", time.Since(c.startTime))
	return err
}

// teardown 釋放已建立的一切；未建立的欄位為 nil 時跳過
func (c *Controller) teardown() error {
	var errs []error

	// 先停監控，之後的子行程結束都是預期中的
	close(c.stopCh)
	c.loopWg.Wait()

	// 1 + 2. 停止訊號 → 終止 Worker；啟動失敗的 Pool 已自行回收
	if c.pool != nil && c.pool.IsStarted() {
		if err := c.pool.Stop(c.config.Stop); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}

	// 3. 終止 Dispatcher
	if c.dispatcher != nil {
		if err := c.dispatcher.Terminate(c.config.Grace); err != nil {
			errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
		}
	}

	// 4. 關閉順序管道
	if c.order != nil {
		if err := c.order.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// 5. 釋放區域
	if c.queue != nil {
		c.queue.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.manager.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("release regions: %w", err))
	}
	return errors.Join(errs...)
}
