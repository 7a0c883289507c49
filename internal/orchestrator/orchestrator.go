// Package orchestrator deploys and deletes scenario instances across the
// configured datacenters. It turns a resolved topology into backend tasks,
// persists every resource it asks for and unwinds partial deployments.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/events"
	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/rollback"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// DefaultRollbackTimeout bounds a rollback started after a failed deployment.
const DefaultRollbackTimeout = 5 * time.Minute

// Instance statuses stored on the instance row.
const (
	InstanceDeploying = "deploying"
	InstanceActive    = "active"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	Insert(ctx context.Context, table store.Table, row store.Row) error
	Get(ctx context.Context, table store.Table, uuid string) (store.Row, error)
	List(ctx context.Context, table store.Table, instanceID string) ([]store.Row, error)
	Update(ctx context.Context, table store.Table, row store.Row) error
	Delete(ctx context.Context, table store.Table, uuid string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger injects a logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithMetrics injects a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPublisher injects the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

// WithRollbackTimeout bounds rollbacks. Non-positive values are ignored.
func WithRollbackTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rollbackTimeout = d
		}
	}
}

// site binds a configured datacenter to its worker.
type site struct {
	dc     config.Datacenter
	worker *worker.Worker
}

// Orchestrator coordinates deployments.
type Orchestrator struct {
	settings *config.Settings
	db       Store
	workers  *worker.Registry
	sites    map[string]*site

	rollback        *rollback.Engine
	rollbackTimeout time.Duration
	log             *logger.Logger
	metrics         *metrics.Collector
	events          events.Publisher
}

// New builds an orchestrator. Every datacenter of settings needs a started
// worker in workers.
func New(settings *config.Settings, db Store, workers *worker.Registry, opts ...Option) (*Orchestrator, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if db == nil {
		return nil, fmt.Errorf("store is required")
	}
	if workers == nil {
		return nil, fmt.Errorf("worker registry is required")
	}

	o := &Orchestrator{
		settings:        settings,
		db:              db,
		workers:         workers,
		sites:           make(map[string]*site, len(settings.Datacenters)),
		rollbackTimeout: DefaultRollbackTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	for _, dc := range settings.Datacenters {
		w, ok := workers.Get(worker.Key{DatacenterID: dc.ID, TenantID: dc.TenantID})
		if !ok {
			return nil, fmt.Errorf("no worker started for datacenter %s", dc.Name)
		}
		o.sites[dc.Name] = &site{dc: dc, worker: w}
	}

	o.rollback = rollback.NewEngine(db,
		rollback.WithTaskTracker(workers),
		rollback.WithLogger(o.log.With("component", "rollback")),
		rollback.WithMetrics(o.metrics),
	)
	return o, nil
}

// siteFor returns the binding of a datacenter; empty selects the default one.
func (o *Orchestrator) siteFor(name string) (*site, bool) {
	dc, ok := o.settings.Datacenter(name)
	if !ok {
		return nil, false
	}
	s, ok := o.sites[dc.Name]
	return s, ok
}

// backends returns the current connector of every datacenter. Rollback calls
// backends directly, so it must follow reloads.
func (o *Orchestrator) backends() map[string]rollback.Backend {
	out := make(map[string]rollback.Backend, len(o.sites))
	for name, s := range o.sites {
		out[name] = s.worker.Connector()
	}
	return out
}

// Reload rebuilds the connector of a datacenter, empty selecting the default
// one. The reload runs in the worker queue after every task already
// submitted.
func (o *Orchestrator) Reload(ctx context.Context, datacenter string) error {
	s, ok := o.siteFor(datacenter)
	if !ok {
		return nfvoerrors.NewValidationError("datacenter", fmt.Sprintf("unknown datacenter %q", datacenter), nil)
	}
	task := worker.NewReloadTask(o.workers.IDs())
	if _, err := s.worker.Submit(task); err != nil {
		return err
	}
	snap, err := s.worker.Await(ctx, task.ID())
	if err != nil {
		return err
	}
	if snap.Status != worker.StatusDone {
		return fmt.Errorf("reload %s: %s", s.dc.Name, snap.Error)
	}
	o.log.Info("connector reloaded", "datacenter", s.dc.Name)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, events.Event{Type: eventType, Payload: payload}); err != nil {
		o.log.Warn("failed to publish event", "event_type", eventType, "error", err.Error())
	}
}
