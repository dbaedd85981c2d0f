package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oagudo/signalbus/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCommand(cli.Open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "signalbus:", err)
		cancel()
		os.Exit(1)
	}
}
