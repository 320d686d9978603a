// Surface Scanner - attack-surface scan engine
//
// Modes:
//
//  1. STANDALONE SCAN:
//     surface-scanner scan example.com --profile QUICK --output report.json.zst
//
//  2. WORKER (task queue):
//     surface-scanner worker --concurrency 5
//     Consumes scan tasks from Redis pub/sub and publishes progress and
//     results, serving /healthz, /readyz and /metrics on server.health_addr.
//
// Configuration is read from config.yaml, .env and the environment; flags
// override both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/exploopio/surface/pkg/errors"
)

const appName = "surface-scanner"

// Exit codes.
const (
	exitError  = 1
	exitConfig = 2
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.IsConfigError(err) {
		return exitConfig
	}
	return exitError
}
