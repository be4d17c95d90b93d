package worker

import (
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// Computer 依描述計算槽位資料（使用者實作）
type Computer interface {
	ComputePayload(desc types.Descriptor) ([]types.Array, error)
}

// Builder 在循環開始前於子行程內執行一次的初始化鉤子
type Builder interface {
	Build() error
}

// Result 代表一次計算的結果
type Result struct {
	Slot     types.SlotID  // 槽位 ID
	Success  bool          // 計算與寫入是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
