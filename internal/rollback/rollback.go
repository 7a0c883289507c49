// Package rollback undoes partially completed deployments by replaying
// compensating actions in reverse creation order.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
)

// Location says where the resource of an action lives.
type Location string

const (
	LocationBackend  Location = "backend"
	LocationDatabase Location = "database"
)

// Kind is the resource kind of an action.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindVM       Kind = "vm"
	KindInstance Kind = "instance"
)

// Action is one compensating action, recorded right after the matching
// creation.
type Action struct {
	Kind     Kind
	Location Location
	// Backend names the owning backend for LocationBackend actions.
	Backend string
	// Table is the store table for LocationDatabase actions.
	Table store.Table
	// ResourceID is the backend id, the pending task id, or the row uuid.
	ResourceID string
	// Name is a human readable label used in reports.
	Name string
}

func (a Action) String() string {
	label := a.Name
	if label == "" {
		label = a.ResourceID
	}
	if a.Location == LocationDatabase {
		return fmt.Sprintf("%s row %s", a.Table, label)
	}
	return fmt.Sprintf("%s %s at %s", a.Kind, label, a.Backend)
}

// Backend is the delete capability of a live backend handle.
type Backend interface {
	DeleteNetwork(ctx context.Context, id string) error
	DeleteVM(ctx context.Context, id string) error
}

// Database is the delete capability of the persistence layer.
type Database interface {
	Delete(ctx context.Context, table store.Table, uuid string) error
}

// TaskTracker resolves pending task ids.
type TaskTracker interface {
	Cancel(id string) bool
	Await(ctx context.Context, id string) (worker.Snapshot, error)
}

// Status is the result of one compensating action.
type Status string

const (
	StatusDeleted     Status = "deleted"
	StatusAbsent      Status = "absent"
	StatusCancelled   Status = "cancelled"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
	StatusUnreachable Status = "unreachable"
)

// Outcome pairs an action with what happened to it.
type Outcome struct {
	Action Action
	Status Status
	Err    error
}

// OK reports whether the resource is known to be gone.
func (o Outcome) OK() bool {
	return o.Status != StatusFailed && o.Status != StatusUnreachable
}

// Report accumulates outcomes in execution order, i.e. reverse creation order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded is true only if every action succeeded.
func (r Report) Succeeded() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Failed returns the outcomes that left something behind.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Summary renders the report for users.
func (r Report) Summary() string {
	failed := r.Failed()
	if len(failed) == 0 {
		return "Rollback successful."
	}
	parts := make([]string, len(failed))
	for i, o := range failed {
		parts[i] = fmt.Sprintf("%s: %v", o.Action, o.Err)
	}
	return "Rollback fails to delete: [" + strings.Join(parts, "; ") + "]"
}

// Option configures an Engine.
type Option func(*Engine)

// WithTaskTracker lets the engine resolve pending ids.
func WithTaskTracker(t TaskTracker) Option {
	return func(e *Engine) {
		e.tasks = t
	}
}

// WithLogger injects a logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics injects a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine runs rollbacks.
type Engine struct {
	db      Database
	tasks   TaskTracker
	log     *logger.Logger
	metrics *metrics.Collector
}

// NewEngine creates an engine deleting rows from db.
func NewEngine(db Database, opts ...Option) *Engine {
	e := &Engine{db: db}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rollback walks actions from last to first. Every action is attempted; no
// failure stops the walk.
func (e *Engine) Rollback(ctx context.Context, backends map[string]Backend, actions []Action) Report {
	report := Report{Outcomes: make([]Outcome, 0, len(actions))}
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		var o Outcome
		switch a.Location {
		case LocationDatabase:
			o = e.undoRow(ctx, a)
		case LocationBackend:
			o = e.undoResource(ctx, backends, a)
		default:
			o = Outcome{Action: a, Status: StatusFailed, Err: fmt.Errorf("unknown location %q", a.Location)}
		}
		report.Outcomes = append(report.Outcomes, o)
		e.metrics.RollbackAction(string(a.Kind), string(o.Status))
		if !o.OK() {
			e.log.Warn("compensating action failed", "action", a.String(), "status", string(o.Status), "error", errString(o.Err))
		} else {
			e.log.Debug("compensating action done", "action", a.String(), "status", string(o.Status))
		}
	}
	e.log.Info("rollback finished", "actions", len(actions), "failed", len(report.Failed()))
	return report
}

func (e *Engine) undoRow(ctx context.Context, a Action) Outcome {
	if e.db == nil {
		return Outcome{Action: a, Status: StatusFailed, Err: errors.New("no database configured")}
	}
	err := e.db.Delete(ctx, a.Table, a.ResourceID)
	switch {
	case err == nil:
		return Outcome{Action: a, Status: StatusDeleted}
	case errors.Is(err, store.ErrNotFound):
		return Outcome{Action: a, Status: StatusAbsent}
	default:
		return Outcome{Action: a, Status: StatusFailed, Err: err}
	}
}

func (e *Engine) undoResource(ctx context.Context, backends map[string]Backend, a Action) Outcome {
	id := a.ResourceID
	if worker.IsPendingID(id) {
		resolved, o, done := e.resolvePending(ctx, a)
		if done {
			return o
		}
		id = resolved
	}

	backend, ok := backends[a.Backend]
	if !ok || backend == nil {
		return Outcome{Action: a, Status: StatusUnreachable,
			Err: fmt.Errorf("could not reach backend %s, resource left behind", a.Backend)}
	}

	var err error
	switch a.Kind {
	case KindNetwork:
		err = backend.DeleteNetwork(ctx, id)
	case KindVM:
		err = backend.DeleteVM(ctx, id)
	default:
		err = fmt.Errorf("cannot delete %s resources from a backend", a.Kind)
	}
	switch {
	case err == nil:
		return Outcome{Action: a, Status: StatusDeleted}
	case vim.IsNotFound(err):
		return Outcome{Action: a, Status: StatusAbsent}
	default:
		return Outcome{Action: a, Status: StatusFailed, Err: err}
	}
}

// resolvePending turns a pending id into the backend id to delete. When done
// is true the returned outcome is final and no backend call is needed.
func (e *Engine) resolvePending(ctx context.Context, a Action) (string, Outcome, bool) {
	if e.tasks == nil {
		return "", Outcome{Action: a, Status: StatusFailed,
			Err: fmt.Errorf("pending id %s cannot be resolved", a.ResourceID)}, true
	}
	if e.tasks.Cancel(a.ResourceID) {
		return "", Outcome{Action: a, Status: StatusCancelled}, true
	}
	snap, err := e.tasks.Await(ctx, a.ResourceID)
	if err != nil {
		return "", Outcome{Action: a, Status: StatusFailed, Err: err}, true
	}
	switch snap.Status {
	case worker.StatusDone:
		return snap.Result, Outcome{}, false
	default:
		return "", Outcome{Action: a, Status: StatusSkipped}, true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
