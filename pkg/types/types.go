// Package types 定義了 concurrent-buffer 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
)

// SlotID 槽位識別碼，範圍為 [0, Count)
type SlotID int

// SlotState 槽位狀態，數值與共享記憶體中儲存的值一致
type SlotState uint32

// 定義槽位狀態常數
const (
	StateFree       SlotState = 1 // 空閒：可被 Dispatcher 保留
	StateAvailable  SlotState = 2 // 可用：Worker 已寫入資料，可被 Consumer 取用
	StateReserved   SlotState = 3 // 已保留：任務描述已送往 Worker
	StateProcessing SlotState = 4 // 處理中：Consumer 正在讀取資料
)

// AllStates 返回所有槽位狀態（依數值排序）
func AllStates() []SlotState {
	return []SlotState{StateFree, StateAvailable, StateReserved, StateProcessing}
}

func (s SlotState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAvailable:
		return "available"
	case StateReserved:
		return "reserved"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Valid 檢查狀態值是否為已知狀態
func (s SlotState) Valid() bool {
	return s >= StateFree && s <= StateProcessing
}

// Descriptor 任務描述，由 Dispatcher 產生、Worker 消費一次
type Descriptor map[string]any

// 保留的描述欄位
const (
	SlotIDKey = "/buffer_id" // 目標槽位 ID
	StopKey   = "/stop"      // 停止哨兵標記
)

// SlotID 取出描述中的槽位 ID
//
// 經過 protobuf structpb 編解碼後數字會變成 float64，這裡統一處理
func (d Descriptor) SlotID() (SlotID, bool) {
	switch v := d[SlotIDKey].(type) {
	case SlotID:
		return v, true
	case int:
		return SlotID(v), true
	case int64:
		return SlotID(v), true
	case float64:
		return SlotID(v), true
	default:
		return 0, false
	}
}

// IsStop 判斷是否為停止哨兵；帶槽位 ID 的描述一定是工作，不是哨兵
func (d Descriptor) IsStop() bool {
	if _, hasID := d[SlotIDKey]; hasID {
		return false
	}
	v, ok := d[StopKey].(bool)
	return ok && v
}

// StopDescriptor 返回停止哨兵
func StopDescriptor() Descriptor {
	return Descriptor{StopKey: true}
}

// Strategy 子行程建立策略
type Strategy int

const (
	// DuplicateOnStart 子行程繼承父行程已開啟的共享區域與管道（fork 語意）
	DuplicateOnStart Strategy = iota + 1
	// FreshStart 子行程依可序列化的配方重新開啟所有資源（spawn 語意）
	FreshStart
)

// ErrUnsupportedStrategy 不支援的行程建立策略
var ErrUnsupportedStrategy = errors.New("unsupported process strategy")

// ParseStrategy 解析策略名稱，接受 "fork"/"duplicate" 與 "spawn"/"fresh"
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fork", "duplicate", "duplicate-on-start":
		return DuplicateOnStart, nil
	case "spawn", "fresh", "fresh-start":
		return FreshStart, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, name)
	}
}

func (s Strategy) String() string {
	switch s {
	case DuplicateOnStart:
		return "fork"
	case FreshStart:
		return "spawn"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Validate 檢查策略是否受支援
func (s Strategy) Validate() error {
	if s != DuplicateOnStart && s != FreshStart {
		return fmt.Errorf("%w: %s", ErrUnsupportedStrategy, s)
	}
	return nil
}

// MarshalText 以名稱序列化策略（JSON / YAML）
func (s Strategy) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText 解析策略名稱
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
