package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/kinetic/internal/device"
	goble "github.com/srg/kinetic/internal/device/go-ble"
	"github.com/srg/kinetic/internal/groutine"
	"github.com/srg/kinetic/internal/journal"
	"github.com/srg/kinetic/internal/metrics"
	"github.com/srg/kinetic/internal/mint"
	"github.com/srg/kinetic/internal/telemetry"
	"github.com/srg/kinetic/pkg/config"
)

// batchStore is the journal surface used by the commands.
type batchStore interface {
	SaveBatch(ctx context.Context, device string, batch telemetry.Batch) (string, error)
	LoadBatch(ctx context.Context, idOrPrefix string) (telemetry.Batch, error)
	ListBatches(ctx context.Context) ([]journal.BatchRecord, error)
	RecordOutcome(ctx context.Context, batchID, address string, out mint.Outcome) error
	Close() error
}

// Collaborators replaced in tests.
var (
	newRadio = func(logger *logrus.Logger) device.Radio {
		return goble.NewRadio(logger)
	}

	openJournal = func(path string, logger *logrus.Logger) (batchStore, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		return journal.Open(path, journal.WithLogger(logger)), nil
	}

	newMinter = func(cfg *config.Config, logger *logrus.Logger) (mint.Minter, error) {
		return mint.NewEndpoint(cfg.Mint.BaseURL,
			mint.WithRequestTimeout(cfg.Mint.RequestTimeout),
			mint.WithEndpointLogger(logger))
	}
)

// app carries what every command needs: config, logger and metrics.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	server  *metrics.Server
	served  <-chan struct{}
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: m}
	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Listen(cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		a.server = srv
		a.served = groutine.Go(context.Background(), "metrics-server", func(context.Context) {
			if err := srv.Serve(); err != nil {
				logger.WithError(err).Error("Metrics endpoint stopped")
			}
		})
	}
	return a, nil
}

func (a *app) close() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
	<-a.served
}

func (a *app) journal() (batchStore, error) {
	return openJournal(a.cfg.Journal.Path, a.logger)
}

// interruptContext is cancelled by Ctrl+C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
