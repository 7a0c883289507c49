package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/nfvo/internal/vim"
)

// Key identifies the backend credential pair a worker serves.
type Key struct {
	DatacenterID string
	TenantID     string
}

func (k Key) String() string {
	return k.DatacenterID + "/" + k.TenantID
}

// Identity is the naming information of a worker.
type Identity struct {
	Key
	DatacenterName string
	TenantName     string
}

// Registry owns every running worker and the shared pending-id source.
type Registry struct {
	ids *IDSource

	mu      sync.RWMutex
	workers map[Key]*Worker
	names   map[string]Key
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:     NewIDSource(),
		workers: make(map[Key]*Worker),
		names:   make(map[string]Key),
	}
}

// IDs returns the id source every task of this registry must be built with.
func (r *Registry) IDs() *IDSource {
	return r.ids
}

// Start creates, registers and starts the worker of one datacenter/tenant.
func (r *Registry) Start(ctx context.Context, id Identity, conn vim.Connector, opts ...Option) (*Worker, error) {
	if id.DatacenterID == "" {
		return nil, fmt.Errorf("datacenter id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id.Key]; exists {
		return nil, fmt.Errorf("worker for %s already started", id.Key)
	}

	name := r.unusedName(id)
	w, err := New(name, conn, opts...)
	if err != nil {
		return nil, err
	}
	r.workers[id.Key] = w
	r.names[name] = id.Key
	w.Start(ctx)
	return w, nil
}

// unusedName picks the datacenter name, then datacenter.tenant, then the
// id pair, whichever is not yet taken.
func (r *Registry) unusedName(id Identity) string {
	dc := truncate(id.DatacenterName, 16)
	if dc != "" {
		if _, taken := r.names[dc]; !taken {
			return dc
		}
		withTenant := dc + "." + truncate(id.TenantName, 16)
		if _, taken := r.names[withTenant]; !taken && id.TenantName != "" {
			return withTenant
		}
	}
	return id.DatacenterID + "-" + id.TenantID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Get returns the worker of a datacenter/tenant pair.
func (r *Registry) Get(key Key) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[key]
	return w, ok
}

// ByName returns a worker by its unique name.
func (r *Registry) ByName(name string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.workers[key], true
}

// Workers lists the registered workers sorted by name.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) owner(id string) (*Worker, bool) {
	for _, w := range r.Workers() {
		if _, ok := w.task(id); ok {
			return w, true
		}
	}
	return nil, false
}

// Lookup finds a task by pending id across all workers.
func (r *Registry) Lookup(id string) (Snapshot, *Worker, bool) {
	w, ok := r.owner(id)
	if !ok {
		return Snapshot{}, nil, false
	}
	snap, _ := w.Lookup(id)
	return snap, w, true
}

// Task returns the task handle for a pending id across all workers.
func (r *Registry) Task(id string) (*Task, *Worker, bool) {
	w, ok := r.owner(id)
	if !ok {
		return nil, nil, false
	}
	t, _ := w.task(id)
	return t, w, true
}

// Cancel cancels an enqueued task wherever it was submitted.
func (r *Registry) Cancel(id string) bool {
	w, ok := r.owner(id)
	if !ok {
		return false
	}
	return w.Cancel(id)
}

// Await waits for a task wherever it was submitted.
func (r *Registry) Await(ctx context.Context, id string) (Snapshot, error) {
	w, ok := r.owner(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w %s", ErrUnknownTask, id)
	}
	return w.Await(ctx, id)
}

// Stop submits a terminate task to every worker and waits for the loops to
// exit or ctx to end.
func (r *Registry) Stop(ctx context.Context) error {
	var errs []error
	workers := r.Workers()
	for _, w := range workers {
		if _, err := w.Submit(NewTerminateTask(r.ids)); err != nil && !errors.Is(err, ErrStopped) {
			errs = append(errs, err)
		}
	}
	for _, w := range workers {
		select {
		case <-w.Exited():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("worker %s: %w", w.name, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}
