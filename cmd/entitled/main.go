// Command entitled runs the entitlement core service: license issuance,
// validation, and revocation with real-time change broadcasts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"entitle/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
		os.Exit(1)
	}
}
