// ============================================================================
// concurrent-buffer 槽位狀態表 - 跨進程狀態機實現
// ============================================================================
//
// Package: internal/state
// 文件: table.go
// 功能: 記錄每個槽位的生命週期狀態，供 dispatcher、worker 與 consumer 協調
//
// 狀態轉換 (State Machine):
//   Free (空閒)
//      ↓ ReserveFree()              dispatcher 預留
//   Reserved (已預留)
//      ↓ ReleaseToAvailable()       worker 寫入完成
//   Available (可讀)
//      ↓ ClaimAvailable[At]()       consumer 取得
//   Processing (讀取中)
//      ↓ ReleaseToFree()            consumer 釋放
//   Free
//
// 共享記憶體佈局:
//   [0, 64)        header
//     0  magic     uint32
//     4  count     uint32
//     8  lock      uint32 (持有者 pid, 0 = 空閒)
//     16 reservations   uint64  Free → Reserved 次數
//     24 availabilities uint64  → Available 次數
//     32 claims         uint64  Available → Processing 次數
//     40 releases       uint64  → Free 次數
//   [64, 64+4N)    每槽一個 uint32 狀態
//
// 並發安全:
//   - 所有操作都在同一把跨進程鎖內完成，掃描 + 修改為原子操作
//   - 計數器在鎖內遞增，讀取端使用 atomic 無鎖讀取
//   - 「目前沒有槽位」是正常結果 (bool)，不是錯誤
//
// ============================================================================

package state

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 區域大小不足以容納 header + 狀態陣列
	ErrRegionTooSmall = errors.New("state: region too small")
	// 區域不是由 New 初始化的狀態表
	ErrBadMagic = errors.New("state: region is not a slot state table")
)

const (
	magic      = 0x43425354 // "CBST"
	headerSize = 64

	offMagic          = 0
	offCount          = 4
	offLock           = 8
	offReservations   = 16
	offAvailabilities = 24
	offClaims         = 32
	offReleases       = 40
)

// RegionSize returns the bytes needed for a table of count slots.
func RegionSize(count int) int {
	return headerSize + 4*count
}

// Table 是建立在共享區域上的槽位狀態表
type Table struct {
	region *shmem.Region
	count  int
	lock   *shmem.Lock
	states []uint32
}

// Stats 是狀態表的快照統計
type Stats struct {
	Counts         map[types.SlotState]int `json:"counts"`
	Reservations   uint64                  `json:"reservations"`
	Availabilities uint64                  `json:"availabilities"`
	Claims         uint64                  `json:"claims"`
	Releases       uint64                  `json:"releases"`
}

// ============================================================================
// 建立與附加
// ============================================================================

// New 在 region 上初始化 count 個槽位，全部設為 Free
//
// 只應由擁有區域的進程 (orchestrator) 呼叫一次。
func New(region *shmem.Region, count int) (*Table, error) {
	if count <= 0 {
		return nil, fmt.Errorf("state: invalid slot count %d", count)
	}
	if region.Size() < RegionSize(count) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrRegionTooSmall, RegionSize(count), region.Size())
	}

	t := bind(region, count)
	for i := range t.states {
		atomic.StoreUint32(&t.states[i], uint32(types.StateFree))
	}
	region.Store32(offCount, uint32(count))
	region.Store32(offLock, 0)
	region.Store32(offMagic, magic)
	return t, nil
}

// Attach 打開一個已經初始化的狀態表 (子進程使用)
func Attach(region *shmem.Region) (*Table, error) {
	if region.Size() < headerSize {
		return nil, ErrRegionTooSmall
	}
	if region.Load32(offMagic) != magic {
		return nil, ErrBadMagic
	}
	count := int(region.Load32(offCount))
	if region.Size() < RegionSize(count) {
		return nil, ErrRegionTooSmall
	}
	return bind(region, count), nil
}

func bind(region *shmem.Region, count int) *Table {
	return &Table{
		region: region,
		count:  count,
		lock:   shmem.NewLock(region.Uint32(offLock)),
		states: unsafe.Slice(region.Uint32(headerSize), count),
	}
}

// Count 返回槽位數量
func (t *Table) Count() int {
	return t.count
}

// ============================================================================
// 狀態轉換
// ============================================================================

// findAndSet 在鎖內找出最小的 from 狀態槽位並改為 to
func (t *Table) findAndSet(from, to types.SlotState, counter int) (types.SlotID, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i := range t.states {
		if atomic.LoadUint32(&t.states[i]) == uint32(from) {
			atomic.StoreUint32(&t.states[i], uint32(to))
			atomic.AddUint64(t.region.Uint64(counter), 1)
			return types.SlotID(i), true
		}
	}
	return -1, false
}

// ReserveFree 將最小編號的 Free 槽位轉為 Reserved (dispatcher)
func (t *Table) ReserveFree() (types.SlotID, bool) {
	return t.findAndSet(types.StateFree, types.StateReserved, offReservations)
}

// ClaimAvailable 將最小編號的 Available 槽位轉為 Processing (consumer, 非確定模式)
func (t *Table) ClaimAvailable() (types.SlotID, bool) {
	return t.findAndSet(types.StateAvailable, types.StateProcessing, offClaims)
}

// ClaimAvailableAt 只在 id 為 Available 時轉為 Processing (consumer, 確定模式)
func (t *Table) ClaimAvailableAt(id types.SlotID) (types.SlotID, bool) {
	t.checkID(id)

	t.lock.Lock()
	defer t.lock.Unlock()

	if atomic.LoadUint32(&t.states[id]) != uint32(types.StateAvailable) {
		return -1, false
	}
	atomic.StoreUint32(&t.states[id], uint32(types.StateProcessing))
	atomic.AddUint64(t.region.Uint64(offClaims), 1)
	return id, true
}

// ReleaseToFree 無條件將槽位設為 Free
func (t *Table) ReleaseToFree(id types.SlotID) {
	t.set(id, types.StateFree, offReleases)
}

// ReleaseToAvailable 無條件將槽位設為 Available
func (t *Table) ReleaseToAvailable(id types.SlotID) {
	t.set(id, types.StateAvailable, offAvailabilities)
}

func (t *Table) set(id types.SlotID, s types.SlotState, counter int) {
	t.checkID(id)

	t.lock.Lock()
	defer t.lock.Unlock()

	atomic.StoreUint32(&t.states[id], uint32(s))
	atomic.AddUint64(t.region.Uint64(counter), 1)
}

// 超出範圍的 id 是程式錯誤
func (t *Table) checkID(id types.SlotID) {
	if id < 0 || int(id) >= t.count {
		panic(fmt.Sprintf("state: slot id %d out of range [0, %d)", id, t.count))
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Snapshot 返回所有槽位狀態的一致性快照
func (t *Table) Snapshot() []types.SlotState {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make([]types.SlotState, t.count)
	for i := range t.states {
		out[i] = types.SlotState(atomic.LoadUint32(&t.states[i]))
	}
	return out
}

// Counts 返回每種狀態的槽位數，總和恆為 Count()
func (t *Table) Counts() map[types.SlotState]int {
	counts := make(map[types.SlotState]int, 4)
	for _, s := range types.AllStates() {
		counts[s] = 0
	}
	for _, s := range t.Snapshot() {
		counts[s]++
	}
	return counts
}

// Stats 返回狀態計數與累計轉換次數
func (t *Table) Stats() Stats {
	return Stats{
		Counts:         t.Counts(),
		Reservations:   atomic.LoadUint64(t.region.Uint64(offReservations)),
		Availabilities: atomic.LoadUint64(t.region.Uint64(offAvailabilities)),
		Claims:         atomic.LoadUint64(t.region.Uint64(offClaims)),
		Releases:       atomic.LoadUint64(t.region.Uint64(offReleases)),
	}
}
