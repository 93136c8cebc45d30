// Command kvctl operates a Redis-compatible store through the runtime: it
// serves the embedded store, reads and writes cache entries, publishes and
// subscribes to channels and inspects replication.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	gs := newGlobalState(ctx, os.Stdout, os.Stderr)
	err := newRootCommand(gs).Execute()
	stop()
	if err != nil {
		gs.logger.Error(err)
		os.Exit(1)
	}
}
