// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/secrets"
	"github.com/mxcp/mxcp-auth/pkg/service"
)

const (
	gracefulTimeout    = 30 * time.Second
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth daemon",
		Long: `Start the auth daemon with the configuration file given by --config.

In issuer mode the daemon serves the OAuth endpoints (authorize, callback,
token, revoke) and the RFC 8414 metadata document. All modes serve a health
endpoint.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8415", "Address to listen on")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	resolver := secrets.NewResolver()
	svc, err := service.FromConfig(ctx, *cfg, resolver)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Errorw("closing auth service failed", "error", err)
		}
	}()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	svc.RegisterRoutes(router)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Health(r.Context()); err != nil {
			logger.Warnw("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	address := viper.GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	// SIGHUP re-resolves secret references (proxy HMAC key, client secrets)
	// without restarting; topology stays fixed.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := resolver.Reresolve(); err != nil {
				logger.Warnw("secret re-resolution failed, previous values kept", "error", err)
				continue
			}
			logger.Infow("secret references re-resolved")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("auth daemon listening", "address", address, "mode", string(svc.Mode()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server forced to shut down", "error", err)
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
