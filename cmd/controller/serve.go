package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kumien/jenkins/internal/channel"
	"github.com/kumien/jenkins/internal/config"
	"github.com/kumien/jenkins/internal/listener"
	"github.com/kumien/jenkins/internal/logsink"
	"github.com/kumien/jenkins/internal/protocol"
	"github.com/kumien/jenkins/internal/registry"
	"github.com/kumien/jenkins/internal/secrets"
	wsocket "github.com/kumien/jenkins/internal/websocket"
	"github.com/kumien/jenkins/pkg/log"
	"github.com/kumien/jenkins/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Start the agent listener and, unless disabled, the HTTP server with
the websocket agent endpoint, /metrics and /healthz.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("starting controller")

	appMetrics := metrics.New()

	store, err := registry.OpenStore(cfg.Data.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Data.RosterManifest != "" {
		manifest, err := registry.LoadManifest(cfg.Data.RosterManifest)
		if err != nil {
			return err
		}
		n, err := manifest.Seed(store)
		if err != nil {
			return err
		}
		logger.Info().Int("workers", n).Str("manifest", cfg.Data.RosterManifest).Msg("roster manifest seeded")
	}

	reg := registry.New()
	if err := store.Hydrate(reg); err != nil {
		return err
	}
	logger.Info().Int("workers", len(reg.Names())).Msg("worker roster loaded")

	secretStore := secrets.NewFileStore(cfg.Data.SecretFile)
	// Resolve eagerly so a broken secret file fails startup, not the
	// first handshake.
	if _, err := secretStore.Current(); err != nil {
		return err
	}

	admission := protocol.NewAdmission(protocol.AdmissionConfig{
		Secrets:          secretStore,
		Registry:         reg,
		Sink:             logsink.NewDir(cfg.Data.WorkerLogDir),
		Transport:        channel.NewTransport(logger),
		Metrics:          appMetrics,
		Logger:           logger,
		HandshakeTimeout: cfg.Listener.HandshakeTimeout,
	})

	srv := listener.NewServer(cfg.AgentAddr(), logger, appMetrics, admission)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/ws/agent", wsocket.NewHandler(admission, logger))
		mux.Handle("/metrics", appMetrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", httpSrv.Addr).Msg("http server started")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Listener.ShutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown failed")
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info().Msg("controller stopped")
	return nil
}
