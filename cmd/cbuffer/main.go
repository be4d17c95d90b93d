package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 子行程（Dispatcher / Worker）在 bufferpool.Init 中執行並結束
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/martvanrijthoven/concurrent-buffer/internal/cli"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
)

func main() {
	// 必須最先執行：池啟動的子行程會重新執行本程式
	bufferpool.Init()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
