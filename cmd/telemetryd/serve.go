package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/pkg/ingest"
	"github.com/smartcampus/telemetryd/pkg/metrics"
	"github.com/smartcampus/telemetryd/pkg/mqtt"
	"github.com/smartcampus/telemetryd/pkg/store"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and liveness service",
	Long: `Run the long-lived ingestion service: connect to the MQTT broker,
subscribe to every registered device's capability topics, persist telemetry,
and track device liveness.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	var pg *store.Postgres

	sup := ingest.NewSupervisor(func(ctx context.Context) (*ingest.Service, error) {
		var err error
		pg, err = store.Connect(ctx, cfg.Postgres.ConnString, logger)
		if err != nil {
			return nil, err
		}
		if migrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}

		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			pg.Close()
			return nil, err
		}

		return ingest.NewService(pg, client, logger, ingest.Options{
			ReloadInterval:      cfg.Ingest.ReloadInterval,
			StatusCheckInterval: cfg.Ingest.StatusCheckInterval,
			OfflineAfter:        cfg.Ingest.OfflineAfter,
		}), nil
	})

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger,
			Handlers: map[string]http.Handler{
				"/healthz": healthHandler(sup),
			},
		})
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting ingestion service: %w", err)
	}

	<-sigChan
	logger.Info("Received termination signal, shutting down gracefully")

	sup.Stop()
	if pg != nil {
		pg.Close()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timed out after 10 seconds")
	}

	return nil
}

// healthHandler reports the supervisor's run state and broker
// connectivity as JSON.
func healthHandler(sup *ingest.Supervisor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := sup.Status()
		w.Header().Set("Content-Type", "application/json")
		if st.State == ingest.RunStateError {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(st)
	})
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Apply the database schema before starting")
}
