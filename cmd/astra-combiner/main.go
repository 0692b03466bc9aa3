// astra-combiner 独立进程合并 legacy 会话分片，stdout 输出 JSON 行消息
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gowvp/astra/internal/core/legacy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := legacy.RunCombinerCLI(ctx, os.Args[1:], os.Stdout, nil)
	stop()
	os.Exit(code)
}
