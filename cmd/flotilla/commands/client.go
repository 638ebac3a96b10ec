// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"
	"time"

	"github.com/flotilla-dev/flotilla/lib/config"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
)

// queryTimeout bounds read-only daemon calls.
const queryTimeout = 30 * time.Second

// mutateTimeout bounds agent create and delete, which may pull images
// and wait for containers.
const mutateTimeout = 10 * time.Minute

// defaultSocketPath resolves the control socket the same way flotillad
// does: the FLOTILLA_CONFIG file when set, built-in defaults
// otherwise. Errors fall back to the defaults so --help works without
// a valid config.
func defaultSocketPath() string {
	if os.Getenv("FLOTILLA_CONFIG") != "" {
		if cfg, err := config.Load(); err == nil {
			return cfg.Paths.Socket
		}
	}
	return config.Default().Paths.Socket
}

// query runs a read-only daemon call.
func query(socketPath, action string, fields map[string]any, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return ctlsock.NewClient(socketPath).Call(ctx, action, fields, result)
}

// mutate runs a daemon call that changes fleet state.
func mutate(socketPath, action string, fields map[string]any, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), mutateTimeout)
	defer cancel()
	return ctlsock.NewClient(socketPath).Call(ctx, action, fields, result)
}
