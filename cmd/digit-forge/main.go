package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newApp(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "digit-forge: %v\n", err)
		stop()
		os.Exit(1)
	}
}
