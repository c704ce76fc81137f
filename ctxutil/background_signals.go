package ctxutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// BackgroundWithSignals returns a Context that will be
// canceled when the process receives SIGINT or SIGTERM.
// This function starts a goroutine and listens for signals.
func BackgroundWithSignals() context.Context {
	ctx, cancelFn := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		signal.Reset(os.Interrupt, syscall.SIGTERM)
		cancelFn()
	}()
	return ctx
}
