// scmsync is the SCM synchronization control plane: a Postgres-backed
// scheduler, worker fleet, reaper and admin surface coordinating
// incremental sync of Git and SVN repositories.
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
