package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 CLI 命令，錯誤時以非零結束
// 3. 處理頂層 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/warlock/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute())
}
