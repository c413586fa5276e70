// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/probemesh/gateway/gateway"
	"github.com/probemesh/gateway/gateway/api"
	gwconfig "github.com/probemesh/gateway/gateway/config"
	"github.com/probemesh/gateway/gateway/dispatch"
	"github.com/probemesh/gateway/pkg/log"
	"github.com/probemesh/gateway/pkg/private/serrors"
	"github.com/probemesh/gateway/private/broker"
	"github.com/probemesh/gateway/private/config"
	"github.com/probemesh/gateway/private/storage/db"
	"github.com/probemesh/gateway/private/storage/sqlite"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Probemesh control-plane gateway",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file (required)")
	if err := cmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	var cfg gwconfig.Config
	if err := config.LoadFile(configFile, &cfg); err != nil {
		return serrors.Wrap("loading config", err, "file", configFile)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return serrors.Wrap("validating config", err, "file", configFile)
	}
	if err := log.Setup(cfg.Logging); err != nil {
		return serrors.Wrap("setting up logging", err)
	}
	defer log.Flush()
	defer log.HandlePanic()

	backend, err := sqlite.New(cfg.DB.Connection, cfg.Quota.DefaultProbeLimit,
		&db.SqliteConfig{MaxOpenReadConns: cfg.DB.MaxOpenReadConns})
	if err != nil {
		return serrors.Wrap("opening database", err, "connection", cfg.DB.Connection)
	}
	defer backend.Close()

	brk := broker.New(broker.Config{
		Addr:      cfg.Broker.Address,
		Password:  cfg.Broker.Password,
		MarkerTTL: cfg.Broker.MarkerTTL.Duration,
	})
	defer brk.Close()
	if err := brk.Ping(ctx); err != nil {
		return serrors.Wrap("connecting to broker", err, "address", cfg.Broker.Address)
	}

	gw := &gateway.Gateway{
		Dispatcher: &dispatch.Dispatcher{
			DB:        backend,
			Registry:  brk,
			Publisher: brk,
		},
		Quota:    backend,
		Tracker:  backend,
		Registry: brk,
		Metrics:  gateway.NewMetrics(prometheus.DefaultRegisterer),
	}
	apiServer := &api.Server{
		Gateway:  gw,
		Auth:     api.BearerAuth{},
		AgentKey: cfg.API.AgentKey,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
	}))
	r.Mount("/", apiServer.Router())
	httpServer := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: r,
	}

	g, errCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer log.HandlePanic()
		log.Info("Serving gateway API", "addr", cfg.API.Addr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return serrors.Wrap("serving gateway API", err)
		}
		return nil
	})

	if cfg.API.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.API.MetricsAddr,
			Handler: promhttp.Handler(),
		}
		g.Go(func() error {
			defer log.HandlePanic()
			log.Info("Serving metrics", "addr", cfg.API.MetricsAddr)
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving metrics", err)
			}
			return nil
		})
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return metricsServer.Close()
		})
	}

	g.Go(func() error {
		defer log.HandlePanic()
		janitor(errCtx, backend, cfg.Janitor)
		return nil
	})

	g.Go(func() error {
		defer log.HandlePanic()
		<-errCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// janitor periodically surfaces measurements that have been incomplete for
// too long. Rows like these mean an agent never sent (or never reported)
// what was dispatched to it; the sweep makes that visible instead of
// letting rows sit expected-but-never-sent unnoticed.
func janitor(ctx context.Context, backend *sqlite.Backend, cfg gwconfig.JanitorConfig) {
	if cfg.Interval.Duration <= 0 {
		return
	}
	logger := log.New("component", "janitor")
	ticker := time.NewTicker(cfg.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stuck, err := backend.IncompleteMeasurements(ctx,
			time.Now().Add(-cfg.Age.Duration))
		if err != nil {
			logger.Error("Listing incomplete measurements", "err", err)
			continue
		}
		if len(stuck) > 0 {
			logger.Info("Measurements incomplete past age threshold",
				"age", cfg.Age.Duration, "count", len(stuck), "measurements", stuck)
		}
	}
}
