package types

import (
	"errors"
	"fmt"
)

// ErrInvalidInfo 池描述不合法
var ErrInvalidInfo = errors.New("invalid buffer info")

// Info 緩衝池描述：槽位數量、每個槽位的子緩衝形狀與元素型別、
// Worker 數量、是否保證順序以及子行程建立策略。建立後不可變更。
type Info struct {
	Count         int      `json:"count"`         // 槽位數量 N
	Shapes        [][]int  `json:"shapes"`        // 每個槽位的子緩衝形狀（共用同一個 ID 與狀態）
	DType         DType    `json:"dtype"`         // 元素型別
	Workers       int      `json:"workers"`       // Worker 行程數量
	Deterministic bool     `json:"deterministic"` // 是否依產生順序消費
	Strategy      Strategy `json:"strategy"`      // 子行程建立策略
}

// Validate 檢查描述是否完整且合法
func (i Info) Validate() error {
	if i.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidInfo, i.Count)
	}
	if len(i.Shapes) == 0 {
		return fmt.Errorf("%w: at least one shape is required", ErrInvalidInfo)
	}
	for idx, shape := range i.Shapes {
		if len(shape) == 0 {
			return fmt.Errorf("%w: shape %d is empty", ErrInvalidInfo, idx)
		}
		for _, d := range shape {
			if d <= 0 {
				return fmt.Errorf("%w: shape %d has non-positive dimension %v", ErrInvalidInfo, idx, shape)
			}
		}
	}
	if i.DType.Size() == 0 {
		return fmt.Errorf("%w: %w: %q", ErrInvalidInfo, ErrUnknownDType, i.DType)
	}
	if i.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidInfo, i.Workers)
	}
	return i.Strategy.Validate()
}

// SlotBytes 返回第 idx 個子緩衝中單一槽位的位元組數
func (i Info) SlotBytes(idx int) int {
	return NumElements(i.Shapes[idx]) * i.DType.Size()
}

// RegionBytes 返回第 idx 個子緩衝整塊共享區域的位元組數
func (i Info) RegionBytes(idx int) int {
	return i.Count * i.SlotBytes(idx)
}
