// ============================================================================
// concurrent-buffer Dispatcher - 工作描述分派循環
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 在獨立子行程中不斷預留空閒槽位，為其產生工作描述並送入工作佇列
//
// 循環:
//   1. ReserveFree()（輪詢 + 退避）      Free → Reserved
//   2. ProduceDescriptor()               使用者回呼
//   3. 寫入 "/buffer_id"
//   4. 推入工作佇列（佇列滿時阻塞）
//   5. 確定模式下把 id 寫入順序通道
//   兩次推送都在下一次預留之前完成，因此順序通道上的 id 順序即產生順序。
//
// 結束條件:
//   ctx 取消（父行程送 SIGTERM）或佇列/通道被關閉。
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// Producer 產生工作描述（使用者實作）
type Producer interface {
	ProduceDescriptor() types.Descriptor
}

// Builder 在循環開始前於子行程內執行一次的初始化鉤子
type Builder interface {
	Build() error
}

// Dispatcher 分派循環
type Dispatcher struct {
	producer Producer
	table    *state.Table
	queue    *queue.Queue
	order    *queue.Channel // 非確定模式為 nil
	backoff  shmem.Backoff

	dispatched int
}

// Option 設定 Dispatcher
type Option func(*Dispatcher)

// WithOrder 啟用確定模式，每個 id 都寫入 order
func WithOrder(order *queue.Channel) Option {
	return func(d *Dispatcher) { d.order = order }
}

// WithBackoff 設定預留輪詢的退避策略
func WithBackoff(b shmem.Backoff) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

// New 建立 Dispatcher
func New(producer Producer, table *state.Table, q *queue.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		producer: producer,
		table:    table,
		queue:    q,
		backoff:  shmem.DefaultBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatched 返回已分派的描述數量
func (d *Dispatcher) Dispatched() int {
	return d.dispatched
}

// Run 執行分派循環直到 ctx 取消。正常關閉返回 nil。
func (d *Dispatcher) Run(ctx context.Context) error {
	if b, ok := d.producer.(Builder); ok {
		if err := b.Build(); err != nil {
			return fmt.Errorf("dispatcher: build: %w", err)
		}
	}

	log.Info("Dispatcher started", "slots", d.table.Count(), "deterministic", d.order != nil)

	for {
		id, err := state.Poll(ctx, "reserve", d.backoff, d.table.ReserveFree)
		if err != nil {
			return d.finish(err)
		}
		if err := d.dispatch(ctx, id); err != nil {
			return d.finish(err)
		}
	}
}

// dispatch 為已預留的槽位 id 產生並送出描述
func (d *Dispatcher) dispatch(ctx context.Context, id types.SlotID) error {
	desc := maps.Clone(d.producer.ProduceDescriptor())
	if desc == nil {
		desc = types.Descriptor{}
	}
	delete(desc, types.StopKey)
	desc[types.SlotIDKey] = int(id)

	if err := d.queue.PushDescriptor(ctx, desc); err != nil {
		return err
	}
	if d.order != nil {
		if err := d.order.Send(id); err != nil {
			return err
		}
	}

	d.dispatched++
	log.Debug("Descriptor dispatched", "slot", id, "total", d.dispatched)
	return nil
}

func (d *Dispatcher) finish(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
		log.Info("Dispatcher stopped", "dispatched", d.dispatched)
		return nil
	}
	return err
}
