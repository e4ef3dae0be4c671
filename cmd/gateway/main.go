// Command gateway runs the toy gateway process: it loads mqtt.json and the
// recognized environment variables, wires the UDP transport, ControlBus
// client, and session Manager, then serves until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/toybridge/gateway/internal/config"
	"github.com/toybridge/gateway/internal/gateway"
	"github.com/toybridge/gateway/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrConfigMissing) {
			fmt.Fprintln(os.Stderr, "gateway: missing required configuration:", err)
		} else {
			fmt.Fprintln(os.Stderr, "gateway: load config:", err)
		}
		return 1
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway: build logger:", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	gw, err := gateway.New(cfg, log)
	if err != nil {
		log.Errorw("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		log.Errorw("gateway exited with error", "error", err)
		return 1
	}
	log.Info("gateway shut down cleanly")
	return 0
}
