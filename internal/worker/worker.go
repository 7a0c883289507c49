package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 2000

// ErrStopped is returned when submitting to a worker whose loop has exited.
var ErrStopped = errors.New("worker stopped")

// ErrUnknownTask is returned when a pending id is not known to a worker.
var ErrUnknownTask = errors.New("unknown task")

// ErrForeignDependency is returned when a task depends on a task that was not
// submitted to the same worker. Ordering only holds within one queue.
var ErrForeignDependency = errors.New("dependency not submitted to this worker")

// Recorder persists the resolved backend id of a successful creation task in
// place of its pending id. It runs before the task is marked done.
type Recorder interface {
	ReplaceResourceID(ctx context.Context, pendingID, resolvedID string) error
}

// ReloadFunc rebuilds the worker connector when a reload task is processed.
type ReloadFunc func() (vim.Connector, error)

// Option configures a worker.
type Option func(*Worker)

// WithCapacity sets the bounded queue size.
func WithCapacity(capacity int) Option {
	return func(w *Worker) {
		if capacity > 0 {
			w.capacity = capacity
		}
	}
}

// WithLogger injects a logger.
func WithLogger(log *logger.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// WithMetrics injects a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithRecorder injects the resolved-id recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		w.recorder = r
	}
}

// WithReload injects the connector factory used by reload tasks.
func WithReload(fn ReloadFunc) Option {
	return func(w *Worker) {
		w.reload = fn
	}
}

// Worker serialises every call into one backend. Tasks run one at a time in
// submission order on a single goroutine.
type Worker struct {
	name     string
	capacity int
	log      *logger.Logger
	metrics  *metrics.Collector
	recorder Recorder
	reload   ReloadFunc

	queue chan *Task

	mu sync.RWMutex
	// conn is replaced only by the loop goroutine, under mu.
	conn    vim.Connector
	tasks   map[string]*Task
	started bool
	stopped bool
	exited  chan struct{}
}

// New constructs a worker for one backend connector. Call Start to run it.
func New(name string, conn vim.Connector, opts ...Option) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("worker %s: connector is nil", name)
	}
	w := &Worker{
		name:     name,
		capacity: DefaultCapacity,
		conn:     conn,
		tasks:    make(map[string]*Task),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan *Task, w.capacity)
	w.log = w.log.With("worker", name)
	return w, nil
}

// Name returns the unique worker name.
func (w *Worker) Name() string { return w.name }

// Capacity returns the queue bound.
func (w *Worker) Capacity() int { return w.capacity }

// Start launches the execution loop. It returns immediately; the loop ends on
// a terminate task or when ctx is cancelled. Subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Exited is closed once the execution loop has returned.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// Submit enqueues a task without blocking. It fails with a
// *errors.SubmissionError when the queue is full and with ErrStopped when the
// loop has exited. Tasks depending on a task of another worker are rejected
// with ErrForeignDependency. A rejected task is not recorded.
func (w *Worker) Submit(t *Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("worker %s: task is nil", w.name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return "", fmt.Errorf("worker %s: %w", w.name, ErrStopped)
	}
	if _, exists := w.tasks[t.id]; exists {
		return "", fmt.Errorf("worker %s: task %s already submitted", w.name, t.id)
	}
	for _, id := range t.Depends() {
		if dep, _ := t.dependency(id); w.tasks[id] != dep {
			return "", fmt.Errorf("worker %s: task %s depends on %s: %w", w.name, t.id, id, ErrForeignDependency)
		}
	}

	select {
	case w.queue <- t:
	default:
		w.metrics.SubmissionRejected(w.name)
		return "", nfvoerrors.NewSubmissionError(w.name, t.id, w.capacity)
	}
	w.tasks[t.id] = t
	w.metrics.QueueDepth(w.name, len(w.queue))
	w.log.Debug("task enqueued", "task_id", t.id, "op", t.op.String())
	return t.id, nil
}

// Cancel marks an enqueued task as deleted so it is never dispatched. It
// returns false when the task is unknown or already processing/finished; the
// caller must then inspect the terminal state through Lookup or Await.
func (w *Worker) Cancel(id string) bool {
	t, ok := w.task(id)
	if !ok {
		return false
	}
	if !t.cancel() {
		return false
	}
	w.log.Debug("task cancelled", "task_id", id, "op", t.op.String())
	return true
}

// Lookup returns a snapshot of a task submitted to this worker.
func (w *Worker) Lookup(id string) (Snapshot, bool) {
	t, ok := w.task(id)
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Task returns the task handle for a pending id.
func (w *Worker) Task(id string) (*Task, bool) {
	return w.task(id)
}

// Await blocks until the task reaches a terminal status or ctx ends.
func (w *Worker) Await(ctx context.Context, id string) (Snapshot, error) {
	t, ok := w.task(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("worker %s: %w %s", w.name, ErrUnknownTask, id)
	}
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// Connector returns the connector the worker currently dispatches to. It
// changes when a reload task succeeds.
func (w *Worker) Connector() vim.Connector {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn
}

// Len returns the number of tasks waiting in the queue.
func (w *Worker) Len() int {
	return len(w.queue)
}

func (w *Worker) task(id string) (*Task, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tasks[id]
	return t, ok
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.exited)
	defer w.shutdown()

	w.log.Debug("worker started", "capacity", w.capacity)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker context cancelled")
			return
		case t := <-w.queue:
			w.metrics.QueueDepth(w.name, len(w.queue))
			if w.execute(ctx, t) {
				w.log.Info("worker terminated")
				return
			}
		}
	}
}

// shutdown refuses further submissions and fails whatever is still queued so
// that no waiter blocks forever.
func (w *Worker) shutdown() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	for {
		select {
		case t := <-w.queue:
			if t.begin() {
				t.finish(failed("worker %s stopped before executing task", w.name))
			}
		default:
			w.metrics.QueueDepth(w.name, 0)
			return
		}
	}
}

// execute runs one task and reports whether the loop must end.
func (w *Worker) execute(ctx context.Context, t *Task) bool {
	log := w.log.With("task_id", t.id, "op", t.op.String())
	if !t.begin() {
		log.Debug("skipping cancelled task")
		return false
	}

	start := time.Now()
	var (
		res  outcome
		exit bool
	)
	switch t.op {
	case OpCreateNetwork:
		res = w.createNetwork(ctx, t)
	case OpCreateVM:
		res = w.createVM(ctx, t)
	case OpDeleteNetwork:
		res = w.deleteResource(ctx, t, "network", w.conn.DeleteNetwork)
	case OpDeleteVM:
		res = w.deleteResource(ctx, t, "vm", w.conn.DeleteVM)
	case OpTerminate:
		res = succeeded("")
		exit = true
	case OpReload:
		res = w.reloadConnector()
	default:
		res = failed("unknown operation %s", t.op)
	}

	if res.status == StatusDone && (t.op == OpCreateNetwork || t.op == OpCreateVM) {
		w.record(ctx, log, t.id, res.result)
	}
	t.finish(res)
	w.metrics.TaskFinished(w.name, t.op.String(), string(res.status), time.Since(start))

	switch {
	case res.status == StatusError:
		log.Warn("task failed", "error", res.err)
	case res.absent:
		log.Info("resource already absent", "resource_id", res.result)
	default:
		log.Debug("task done", "result", res.result)
	}
	return exit
}

func (w *Worker) record(ctx context.Context, log *logger.Logger, pendingID, resolvedID string) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.ReplaceResourceID(ctx, pendingID, resolvedID); err != nil {
		log.Error(err, "failed to persist resolved resource id", "resource_id", resolvedID)
	}
}

func (w *Worker) createNetwork(ctx context.Context, t *Task) outcome {
	p, ok := t.Params().(NetworkParams)
	if !ok {
		return failed("invalid parameters for %s", t.op)
	}
	id, err := w.conn.CreateNetwork(ctx, p.Name, p.Class, p.IPProfile)
	if err != nil {
		return failed("%s", err.Error())
	}
	return succeeded(id)
}

func (w *Worker) createVM(ctx context.Context, t *Task) outcome {
	p, ok := t.Params().(VMParams)
	if !ok {
		return failed("invalid parameters for %s", t.op)
	}

	req := p.Request
	req.Interfaces = append([]vim.Interface(nil), p.Request.Interfaces...)
	for i, iface := range req.Interfaces {
		if !IsPendingID(iface.NetID) {
			continue
		}
		dep, ok := t.dependency(iface.NetID)
		if !ok {
			return failed("no dependency recorded for pending network id %s", iface.NetID)
		}
		snap := dep.Snapshot()
		switch snap.Status {
		case StatusDone:
			req.Interfaces[i].NetID = snap.Result
		case StatusError:
			return failed("cannot create vm because it depends on a network that could not be created: %s", snap.Error)
		case StatusDeleted:
			return failed("cannot create vm because the network task %s was cancelled", snap.ID)
		default:
			return failed("cannot create vm because network task %s is still %s", snap.ID, snap.Status)
		}
	}
	t.setParams(VMParams{Request: req})

	id, err := w.conn.CreateVM(ctx, req)
	if err != nil {
		return failed("%s", err.Error())
	}
	return succeeded(id)
}

func (w *Worker) deleteResource(ctx context.Context, t *Task, kind string, del func(context.Context, string) error) outcome {
	p, ok := t.Params().(DeleteParams)
	if !ok {
		return failed("invalid parameters for %s", t.op)
	}

	id := p.ResourceID
	if IsPendingID(id) {
		dep, ok := t.dependency(id)
		if !ok {
			return failed("no dependency recorded for pending %s id %s", kind, id)
		}
		snap := dep.Snapshot()
		switch snap.Status {
		case StatusDone:
			id = snap.Result
		case StatusError:
			return outcome{status: StatusDone, message: fmt.Sprintf("%s was not created: %s", kind, snap.Error)}
		case StatusDeleted:
			return outcome{status: StatusDone, message: fmt.Sprintf("%s creation was cancelled", kind)}
		default:
			return failed("cannot delete %s because it is still being created", kind)
		}
		t.setParams(DeleteParams{ResourceID: id})
	}

	if err := del(ctx, id); err != nil {
		if vim.IsNotFound(err) {
			return outcome{status: StatusDone, result: id, message: err.Error(), absent: true}
		}
		return failed("%s", err.Error())
	}
	return succeeded(id)
}

func (w *Worker) reloadConnector() outcome {
	if w.reload == nil {
		return succeeded("")
	}
	conn, err := w.reload()
	if err != nil {
		return failed("reload connector: %s", err.Error())
	}
	if conn == nil {
		return failed("reload connector: factory returned nil")
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.log.Info("connector reloaded")
	return succeeded("")
}
