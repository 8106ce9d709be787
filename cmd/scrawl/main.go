// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/scrawl/canvasapi"
	"github.com/element-hq/scrawl/internal"
	"github.com/element-hq/scrawl/setup/config"
	"github.com/element-hq/scrawl/setup/process"
)

var configPath = flag.String("config", "scrawl.yaml", "The path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if port := os.Getenv("PORT"); port != "" {
		host, _, splitErr := net.SplitHostPort(cfg.Server.BindAddress)
		if splitErr != nil {
			host = ""
		}
		cfg.Server.BindAddress = net.JoinHostPort(host, port)
	}
	if level := os.Getenv("SCRAWL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dsn := os.Getenv("SCRAWL_SENTRY_DSN"); dsn != "" {
		cfg.Server.SentryDSN = dsn
	}

	internal.SetupStdLogging(&cfg.Logging)

	sentryEnabled := cfg.Server.SentryDSN != ""
	if sentryEnabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn: cfg.Server.SentryDSN,
		}); err != nil {
			logrus.WithError(err).Fatal("Failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	processCtx := process.NewProcessContext()
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	canvasapi.AddPublicRoutes(router, processCtx, cfg, sentryEnabled)

	server := &http.Server{
		Addr:              cfg.Server.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(processCtx.Context())
	g.Go(func() error {
		logrus.WithField("address", cfg.Server.BindAddress).Info("Starting Scrawl")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			logrus.WithField("signal", sig).Info("Shutting down")
		case <-ctx.Done():
		}
		processCtx.ShutdownScrawl()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Server exited uncleanly")
	}
	processCtx.ShutdownScrawl()
	processCtx.WaitForComponentsToFinish()
	logrus.Info("Scrawl stopped")
}
