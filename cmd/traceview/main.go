// Command traceview is the headless client of a traceview data server: it
// lists datasets, waits for them to become ready, and replays interactions
// against a dataset view, writing every chart's frame as a PNG.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
