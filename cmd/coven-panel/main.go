// ABOUTME: Entry point for the coven-panel control server and CLI
// ABOUTME: Runs the panel and manages its daemons over the HTTP API

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                       _
  ___ _____   _____ _ __        _ __   __ _ _ __   ___| |
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \ / _' | '_ \ / _ \ |
| (_| (_) \ V /  __/ | | |_____| |_) | (_| | | | |  __/ |
 \___\___/ \_/ \___|_| |_|     | .__/ \__,_|_| |_|\___|_|
                               |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
