/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/contentsync/api"
	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/internal/notification"
	"github.com/blnkfinance/contentsync/internal/scheduler"
	"github.com/blnkfinance/contentsync/internal/telemetry"
	trace "github.com/blnkfinance/contentsync/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const (
	heartbeatInterval = 5 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

type observability struct {
	telemetry     *telemetry.Telemetry
	posthog       posthog.Client
	traceShutdown func(context.Context) error
}

func (o *observability) shutdown(ctx context.Context) {
	if o.traceShutdown != nil {
		if err := o.traceShutdown(ctx); err != nil {
			logrus.Printf("Error during shutdown: %v", err)
		}
	}
	if o.posthog != nil {
		_ = o.posthog.Close()
	}
}

// initializeObservability sets up tracing when an OTLP endpoint is
// configured and PostHog when a key is configured. Metrics always go to the
// global meter provider.
func initializeObservability(ctx context.Context, cfg *config.Configuration) (*observability, error) {
	o := &observability{}
	instanceID := uuid.New().String()

	if cfg.Telemetry.OtlpEndpoint != "" {
		if err := config.SetOtelExporterEnvs(); err != nil {
			return nil, err
		}
		shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
		if err != nil {
			return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
		}
		o.traceShutdown = shutdown
	}

	var analytics telemetry.Capturer
	if cfg.Telemetry.PosthogKey != "" {
		client, err := posthog.NewWithConfig(cfg.Telemetry.PosthogKey, posthog.Config{Endpoint: cfg.Telemetry.PosthogHost})
		if err != nil {
			return nil, fmt.Errorf("error setting up posthog: %v", err)
		}
		o.posthog = client
		analytics = client
	}

	t, err := telemetry.New(otel.GetMeterProvider(), analytics, instanceID)
	if err != nil {
		return nil, err
	}
	o.telemetry = t
	return o, nil
}

// serveTLS serves the admin API over HTTPS with certificates managed by
// CertMagic.
func serveTLS(r *gin.Engine, conf config.ServerConfig) *http.Server {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		logrus.Fatalf("Failed to obtain certificates: %v", err)
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}
	go func() {
		logrus.Printf("Starting HTTPS server on %s", conf.Port)
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start HTTPS server: %v", err)
		}
	}()
	return server
}

func startServer(router *gin.Engine, cfg config.ServerConfig) *http.Server {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logrus.Printf("Starting server on http://localhost:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()
	return server
}

// serverCommands returns the start command: it runs the consume and
// reconcile jobs and serves the admin API until interrupted.
func serverCommands(app *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the invalidation pipeline and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			enableAPMHook(app.cnf.Telemetry.EnableAPMHook)

			if err := app.setup(ctx); err != nil {
				notification.NotifyError(err)
				return err
			}
			if err := ensureCollections(ctx, app); err != nil {
				logrus.Printf("TypeSense initialization error: %v", err)
			}

			app.observer.telemetry.Heartbeat(ctx, heartbeatInterval)

			jobs := scheduler.New()
			registerJobs(jobs, app)
			jobs.Start()

			server := startServer(api.NewAPI(app.sync, app.cnf).Router(), app.cnf.Server)

			<-ctx.Done()
			logrus.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("admin API shutdown")
			}
			if err := jobs.Stop(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("scheduler shutdown")
			}
			app.close(shutdownCtx)
			return nil
		},
	}
}
