package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaomayi-ant/test-frontend/cli/internal/cli/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chat.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
