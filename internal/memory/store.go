// ============================================================================
// concurrent-buffer 共享資料區 - 槽位資料讀寫
// ============================================================================
//
// Package: internal/memory
// 文件: store.go
// 功能: 每個子緩衝形狀對應一塊共享區域，槽位 i 佔用第 i 段
//
// 佈局:
//   data-k 區域: [slot 0][slot 1]...[slot N-1]，每段 SlotBytes(k) 位元組
//
// 注意:
//   - 不加鎖；由狀態表保證同一時間只有一個角色存取某個槽位
//   - Worker 在 Reserved 狀態寫入，Consumer 在 Processing 狀態讀取
//   - ReadOnly() 之後 Read 返回的視圖位於 PROT_READ 映射上，寫入會觸發 fault
//
// ============================================================================

package memory

import (
	"errors"
	"fmt"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var (
	// 寫入的陣列數量、形狀或型別與池描述不符
	ErrShapeMismatch = errors.New("memory: array shape mismatch")
	// 區域數量或大小與池描述不符
	ErrLayoutMismatch = errors.New("memory: region layout mismatch")
)

// RegionName 返回第 idx 個子緩衝的區域名稱
func RegionName(idx int) string {
	return fmt.Sprintf("data-%d", idx)
}

// View 是某個槽位所有子緩衝的陣列，Data 直接指向共享記憶體。
// 槽位釋放後內容可能被覆寫。
type View []types.Array

// Store 管理所有子緩衝區域
type Store struct {
	info     types.Info
	regions  []*shmem.Region
	views    [][]byte // Read 使用的映射；預設與 regions 相同
	readOnly bool
}

// New 在 regions 上建立資料區，regions[k] 對應 info.Shapes[k]
func New(info types.Info, regions []*shmem.Region) (*Store, error) {
	if len(regions) != len(info.Shapes) {
		return nil, fmt.Errorf("%w: %d regions for %d shapes", ErrLayoutMismatch, len(regions), len(info.Shapes))
	}
	views := make([][]byte, len(regions))
	for k, r := range regions {
		if r.Size() < info.RegionBytes(k) {
			return nil, fmt.Errorf("%w: region %d has %d bytes, need %d", ErrLayoutMismatch, k, r.Size(), info.RegionBytes(k))
		}
		views[k] = r.Mem
	}
	return &Store{info: info, regions: regions, views: views}, nil
}

// ReadOnly remaps every region a second time without write permission and
// serves Read from those mappings.
func (s *Store) ReadOnly() error {
	if s.readOnly {
		return nil
	}
	views := make([][]byte, len(s.regions))
	for k, r := range s.regions {
		mem, err := r.MapReadOnly()
		if err != nil {
			for _, v := range views[:k] {
				shmem.Unmap(v)
			}
			return err
		}
		views[k] = mem
	}
	s.views = views
	s.readOnly = true
	return nil
}

// Info 返回池描述
func (s *Store) Info() types.Info {
	return s.info
}

func (s *Store) span(k int, id types.SlotID) (int, int) {
	if id < 0 || int(id) >= s.info.Count {
		panic(fmt.Sprintf("memory: slot id %d out of range [0, %d)", id, s.info.Count))
	}
	n := s.info.SlotBytes(k)
	start := int(id) * n
	return start, start + n
}

// Read 返回槽位 id 的視圖，不複製資料
func (s *Store) Read(id types.SlotID) View {
	view := make(View, len(s.info.Shapes))
	for k, shape := range s.info.Shapes {
		start, end := s.span(k, id)
		view[k] = types.Array{
			DType: s.info.DType,
			Shape: append([]int(nil), shape...),
			Data:  s.views[k][start:end:end],
		}
	}
	return view
}

// Write 將 arrays 複製到槽位 id
func (s *Store) Write(id types.SlotID, arrays []types.Array) error {
	if len(arrays) != len(s.info.Shapes) {
		return fmt.Errorf("%w: got %d arrays, want %d", ErrShapeMismatch, len(arrays), len(s.info.Shapes))
	}
	for k, a := range arrays {
		if err := s.check(k, a); err != nil {
			return err
		}
	}
	for k, a := range arrays {
		start, end := s.span(k, id)
		copy(s.regions[k].Mem[start:end], a.Data)
	}
	return nil
}

// Zero 將槽位 id 的所有子緩衝清零
func (s *Store) Zero(id types.SlotID) {
	for k := range s.info.Shapes {
		start, end := s.span(k, id)
		clear(s.regions[k].Mem[start:end])
	}
}

func (s *Store) check(k int, a types.Array) error {
	want := s.info.Shapes[k]
	if a.DType != s.info.DType {
		return fmt.Errorf("%w: array %d dtype %s, want %s", ErrShapeMismatch, k, a.DType, s.info.DType)
	}
	if len(a.Shape) != len(want) {
		return fmt.Errorf("%w: array %d shape %v, want %v", ErrShapeMismatch, k, a.Shape, want)
	}
	for i := range want {
		if a.Shape[i] != want[i] {
			return fmt.Errorf("%w: array %d shape %v, want %v", ErrShapeMismatch, k, a.Shape, want)
		}
	}
	if len(a.Data) != s.info.SlotBytes(k) {
		return fmt.Errorf("%w: array %d has %d bytes, want %d", ErrShapeMismatch, k, len(a.Data), s.info.SlotBytes(k))
	}
	return nil
}

// Close 釋放 ReadOnly 建立的映射；區域本身由擁有者關閉
func (s *Store) Close() error {
	if !s.readOnly {
		return nil
	}
	var errs []error
	for _, v := range s.views {
		if err := shmem.Unmap(v); err != nil {
			errs = append(errs, err)
		}
	}
	for k, r := range s.regions {
		s.views[k] = r.Mem
	}
	s.readOnly = false
	return errors.Join(errs...)
}
