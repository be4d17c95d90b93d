// ============================================================================
// concurrent-buffer Worker Pool - 子行程工作池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 在父行程中管理 N 個 Worker 子行程的生命週期
//
// 架構組件:
//   ┌─────────────┐
//   │ Dispatcher  │ --Push()--> work queue (shared memory)
//   └─────────────┘                  │
//                                    ↓ Pop()
//   ┌──────────────────────────────────────┐
//   │   Pool (parent)                      │
//   │  ┌──────────────┐                    │
//   │  │Worker proc 1 │ ──Write()──┐       │
//   │  │Worker proc 2 │ ──Write()──┼──→ data store + state table
//   │  │Worker proc 3 │ ──Write()──┘       │
//   │  └──────────────┘                    │
//   └──────────────────────────────────────┘
//
// 生命週期:
//   1. NewPool()  建立 Pool，綁定工作佇列與子行程啟動器
//   2. Start(n)   啟動 n 個 Worker 子行程
//   3. Stop()     送出 n 個停止訊號 → 終止並回收每個子行程
//
// 關閉:
//   停止訊號的推送有時間上限；佇列已滿時不會無限等待。
//   之後無論子行程是否已讀到停止訊號，都會被終止（SIGTERM → SIGKILL）。
//   進行中的計算會被放棄。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Process 是一個已啟動的子行程
type Process interface {
	Pid() int
	Terminate(grace time.Duration) error
}

// Spawner 啟動第 index 個 Worker 子行程
type Spawner interface {
	Spawn(index int) (Process, error)
}

// SpawnFunc 讓普通函式實作 Spawner
type SpawnFunc func(index int) (Process, error)

// Spawn implements Spawner.
func (f SpawnFunc) Spawn(index int) (Process, error) { return f(index) }

// StopOptions 控制關閉行為
type StopOptions struct {
	SentinelTimeout time.Duration // 推送全部停止訊號的時間上限
	Grace           time.Duration // SIGTERM 後等待多久改送 SIGKILL
}

// DefaultStopOptions 預設關閉參數
var DefaultStopOptions = StopOptions{
	SentinelTimeout: time.Second,
	Grace:           2 * time.Second,
}

// Pool 代表 Worker 子行程池
type Pool struct {
	queue   *queue.Queue
	spawner Spawner
	procs   []Process
	started bool
	stopped bool
	mu      sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(q *queue.Queue, spawner Spawner) *Pool {
	return &Pool{
		queue:   q,
		spawner: spawner,
		procs:   make([]Process, 0),
	}
}

// Start 啟動 workerCount 個 Worker 子行程。任何一個啟動失敗時，
// 已啟動的子行程會被終止。
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		proc, err := p.spawner.Spawn(i)
		if err != nil {
			terminateAll(p.procs, DefaultStopOptions.Grace)
			p.procs = p.procs[:0]
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		p.procs = append(p.procs, proc)
		log.Debug("Worker process started", "worker", i, "pid", proc.Pid())
	}

	p.started = true
	return nil
}

// Stop 送出停止訊號並終止所有 Worker 子行程。可重複呼叫；
// 從未啟動的 Pool 返回 ErrPoolNotStarted。
func (p *Pool) Stop(opts StopOptions) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	procs := p.procs
	p.mu.Unlock()

	sent := p.sendSentinels(len(procs), opts.SentinelTimeout)
	if sent < len(procs) {
		log.Warn("Not every stop sentinel was delivered", "sent", sent, "workers", len(procs))
	}

	return terminateAll(procs, opts.Grace)
}

// sendSentinels 在 timeout 內盡量推送 n 個停止訊號，返回成功數
func (p *Pool) sendSentinels(n int, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := 0; i < n; i++ {
		if err := p.queue.PushDescriptor(ctx, types.StopDescriptor()); err != nil {
			return i
		}
	}
	return n
}

// terminateAll 並行終止並回收所有子行程
func terminateAll(procs []Process, grace time.Duration) error {
	var g errgroup.Group
	for _, proc := range procs {
		g.Go(func() error {
			return proc.Terminate(grace)
		})
	}
	return g.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pids 返回所有 Worker 子行程的 pid
func (p *Pool) Pids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pids := make([]int, len(p.procs))
	for i, proc := range p.procs {
		pids[i] = proc.Pid()
	}
	return pids
}
