package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unsafe"
)

// DType 元素型別
type DType string

const (
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Uint16  DType = "uint16"
	Int16   DType = "int16"
	Uint32  DType = "uint32"
	Int32   DType = "int32"
	Uint64  DType = "uint64"
	Int64   DType = "int64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// ErrUnknownDType 未知的元素型別
var ErrUnknownDType = errors.New("unknown dtype")

// ParseDType 解析元素型別名稱
func ParseDType(name string) (DType, error) {
	d := DType(strings.ToLower(strings.TrimSpace(name)))
	if d.Size() == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownDType, name)
	}
	return d, nil
}

// Size 返回單一元素的位元組數，未知型別返回 0
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Number 可作為陣列元素的數值型別
type Number interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

// Array 一塊具型別與形狀的連續資料，Data 可指向共享記憶體
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// NumElements 計算形狀對應的元素數量
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewArray 配置一個歸零的陣列
func NewArray(dtype DType, shape ...int) Array {
	return Array{
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, NumElements(shape)*dtype.Size()),
	}
}

// Len 返回元素數量
func (a Array) Len() int {
	if a.DType.Size() == 0 {
		return 0
	}
	return len(a.Data) / a.DType.Size()
}

// Float64 以 float64 讀取第 i 個元素（小端序）
func (a Array) Float64(i int) float64 {
	off := i * a.DType.Size()
	b := a.Data[off:]
	switch a.DType {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		panic(fmt.Sprintf("types: %v: %q", ErrUnknownDType, a.DType))
	}
}

// SetFloat64 將 v 轉成元素型別後寫入第 i 個元素
func (a Array) SetFloat64(i int, v float64) {
	off := i * a.DType.Size()
	b := a.Data[off:]
	switch a.DType {
	case Uint8:
		b[0] = uint8(v)
	case Int8:
		b[0] = uint8(int8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	default:
		panic(fmt.Sprintf("types: %v: %q", ErrUnknownDType, a.DType))
	}
}

// Fill 將所有元素設為 v
//
// 先寫入第一個元素，再以倍增 copy 填滿，避免逐元素轉換
func (a Array) Fill(v float64) {
	if len(a.Data) == 0 {
		return
	}
	size := a.DType.Size()
	a.SetFloat64(0, v)
	for filled := size; filled < len(a.Data); filled *= 2 {
		copy(a.Data[filled:], a.Data[:filled])
	}
}

// All 檢查所有元素是否都等於 v
func (a Array) All(v float64) bool {
	for i, n := 0, a.Len(); i < n; i++ {
		if a.Float64(i) != v {
			return false
		}
	}
	return true
}

// Elements 返回陣列資料的零拷貝型別視圖
//
// T 的大小必須與 DType 一致，否則 panic。共享記憶體的映射以頁對齊，
// 各槽位偏移量為元素大小的整數倍，因此對齊要求成立。
func Elements[T Number](a Array) []T {
	var zero T
	if int(unsafe.Sizeof(zero)) != a.DType.Size() {
		panic(fmt.Sprintf("types: element size %d does not match dtype %s", unsafe.Sizeof(zero), a.DType))
	}
	if len(a.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.Data[0])), a.Len())
}
