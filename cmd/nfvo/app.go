package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/events"
	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/orchestrator"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

const stopTimeout = 30 * time.Second

// app is the running service assembled from the settings file: one worker per
// datacenter, the shared store and the orchestrator on top.
type app struct {
	settings *config.Settings
	log      *logger.Logger
	db       *store.Store
	workers  *worker.Registry
	metrics  *prometheus.Registry
	orch     *orchestrator.Orchestrator
	cancel   context.CancelFunc
}

// newApp starts the workers. Callers must Close the app.
func newApp(ctx context.Context, flags *rootFlags, logOut io.Writer) (*app, error) {
	settings, err := config.LoadSettings(flags.configPath)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(settings, flags, logOut)
	if err != nil {
		return nil, err
	}

	connectors := vim.NewDefaultRegistry()
	for i, dc := range settings.Datacenters {
		if !connectors.Has(dc.Type) {
			return nil, nfvoerrors.NewValidationError(
				fmt.Sprintf("datacenters[%d].type", i),
				fmt.Sprintf("unknown connector type %q, known types: %v", dc.Type, connectors.Types()),
				nil,
			)
		}
	}

	db, err := store.Open(settings.Store.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		log:      log,
		db:       db,
		workers:  worker.NewRegistry(),
		metrics:  prometheus.NewRegistry(),
	}
	collector := metrics.NewCollector(a.metrics)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, dc := range settings.Datacenters {
		factory := connectorFactory(connectors, dc)
		conn, err := factory()
		if err != nil {
			_ = a.Close()
			return nil, err
		}

		_, err = a.workers.Start(runCtx, worker.Identity{
			Key:            worker.Key{DatacenterID: dc.ID, TenantID: dc.TenantID},
			DatacenterName: dc.Name,
			TenantName:     dc.Tenant,
		}, conn,
			worker.WithCapacity(settings.QueueCapacity),
			worker.WithLogger(log),
			worker.WithMetrics(collector),
			worker.WithRecorder(db),
			worker.WithReload(factory),
		)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("start worker for %s: %w", dc.Name, err)
		}
	}

	a.orch, err = orchestrator.New(settings, db, a.workers,
		orchestrator.WithLogger(log.With("component", "orchestrator")),
		orchestrator.WithMetrics(collector),
		orchestrator.WithPublisher(events.NewLoggingPublisher(log.With("component", "events"))),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func connectorFactory(registry *vim.Registry, dc config.Datacenter) worker.ReloadFunc {
	return func() (vim.Connector, error) {
		return registry.New(dc.Type, vim.Settings{
			Datacenter: dc.Name,
			Tenant:     dc.Tenant,
			Options:    dc.Options,
		})
	}
}

func newLogger(settings *config.Settings, flags *rootFlags, out io.Writer) (*logger.Logger, error) {
	level := settings.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	human := flags.human || (settings.Log.Human && isTerminal(out))
	return logger.New(logger.Options{Level: level, HumanReadable: human, Writer: out})
}

// Close stops every worker, waiting for the task in progress on each.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	err := a.workers.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("workers did not stop within %s", stopTimeout)
	}
	return err
}

func isTerminal(w any) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}
