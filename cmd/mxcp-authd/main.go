// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MXCP auth daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mxcp/mxcp-auth/cmd/mxcp-authd/app"
	"github.com/mxcp/mxcp-auth/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
