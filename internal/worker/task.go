// Package worker implements backend tasks and the per-backend workers that
// execute them in strict submission order.
package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/nfvo/internal/vim"
)

// PendingPrefix marks provisional task ids. Backend ids never start with it.
const PendingPrefix = "TASK."

// IsPendingID reports whether id is a provisional task id rather than a
// backend resource id.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}

// IDSource mints strictly increasing pending ids from the wall clock with
// microsecond resolution. When the clock does not advance (or goes back) the
// previous id is incremented by one microsecond.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDSource creates an id source reading the system clock.
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// Next returns a new pending id of the form TASK.<seconds>.<microseconds>.
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now
	if now == nil {
		now = time.Now
	}
	us := now().UnixMicro()
	if us <= s.last {
		us = s.last + 1
	}
	s.last = us
	return fmt.Sprintf("%s%d.%06d", PendingPrefix, us/1_000_000, us%1_000_000)
}

// Operation enumerates what a task asks the worker to do.
type Operation int

const (
	OpCreateNetwork Operation = iota + 1
	OpDeleteNetwork
	OpCreateVM
	OpDeleteVM
	OpTerminate
	OpReload
)

func (o Operation) String() string {
	switch o {
	case OpCreateNetwork:
		return "create-network"
	case OpDeleteNetwork:
		return "delete-network"
	case OpCreateVM:
		return "create-vm"
	case OpDeleteVM:
		return "delete-vm"
	case OpTerminate:
		return "terminate"
	case OpReload:
		return "reload"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusDeleted    Status = "deleted"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusDeleted
}

// Params holds the arguments of a task. The concrete type is fixed by the
// operation.
type Params interface {
	isParams()
}

// NetworkParams are the arguments of a network creation.
type NetworkParams struct {
	Name      string
	Class     vim.NetworkClass
	IPProfile *vim.IPProfile
}

// VMParams are the arguments of a VM creation. Interface NetIDs may hold
// pending ids of network tasks listed as dependencies.
type VMParams struct {
	Request vim.VMRequest
}

// DeleteParams identify the resource to delete. ResourceID may be the pending
// id of the creation task, which must then be a dependency.
type DeleteParams struct {
	ResourceID string
}

// ControlParams carry nothing; used by terminate and reload.
type ControlParams struct{}

func (NetworkParams) isParams() {}
func (VMParams) isParams()      {}
func (DeleteParams) isParams()  {}
func (ControlParams) isParams() {}

// Snapshot is a consistent, read-only view of a task.
type Snapshot struct {
	ID     string
	Op     Operation
	Status Status
	// Result is the backend resource id once the task is done.
	Result string
	// Error is the diagnostic of a failed task.
	Error string
	// Message carries informational notes, e.g. why a delete was a no-op.
	Message string
	// AlreadyAbsent is set when a delete found the resource already gone.
	AlreadyAbsent bool
}

// Task is one unit of backend work. Identity, operation and dependencies are
// fixed at construction; status and outcome are mutated only by the worker
// that owns the task.
type Task struct {
	id      string
	op      Operation
	depends map[string]*Task

	mu      sync.Mutex
	params  Params
	status  Status
	result  string
	errMsg  string
	message string
	absent  bool
	done    chan struct{}
}

func newTask(ids *IDSource, op Operation, params Params, deps []*Task) *Task {
	t := &Task{
		id:     ids.Next(),
		op:     op,
		params: params,
		status: StatusEnqueued,
		done:   make(chan struct{}),
	}
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		if t.depends == nil {
			t.depends = make(map[string]*Task, len(deps))
		}
		t.depends[dep.id] = dep
	}
	return t
}

// NewCreateNetworkTask builds a network creation task.
func NewCreateNetworkTask(ids *IDSource, p NetworkParams) *Task {
	return newTask(ids, OpCreateNetwork, p, nil)
}

// NewCreateVMTask builds a VM creation task. deps must include every network
// task whose pending id appears in the request interfaces.
func NewCreateVMTask(ids *IDSource, req vim.VMRequest, deps ...*Task) *Task {
	req.Interfaces = append([]vim.Interface(nil), req.Interfaces...)
	return newTask(ids, OpCreateVM, VMParams{Request: req}, deps)
}

// NewDeleteNetworkTask builds a network deletion task. When resourceID is a
// pending id its creation task must be passed as dependency.
func NewDeleteNetworkTask(ids *IDSource, resourceID string, deps ...*Task) *Task {
	return newTask(ids, OpDeleteNetwork, DeleteParams{ResourceID: resourceID}, deps)
}

// NewDeleteVMTask builds a VM deletion task. When resourceID is a pending id
// its creation task must be passed as dependency.
func NewDeleteVMTask(ids *IDSource, resourceID string, deps ...*Task) *Task {
	return newTask(ids, OpDeleteVM, DeleteParams{ResourceID: resourceID}, deps)
}

// NewTerminateTask builds the task that stops a worker loop.
func NewTerminateTask(ids *IDSource) *Task {
	return newTask(ids, OpTerminate, ControlParams{}, nil)
}

// NewReloadTask builds the task that makes a worker rebuild its connector.
func NewReloadTask(ids *IDSource) *Task {
	return newTask(ids, OpReload, ControlParams{}, nil)
}

// ID returns the pending id of the task.
func (t *Task) ID() string { return t.id }

// Op returns the task operation.
func (t *Task) Op() Operation { return t.op }

// Params returns the current parameters. Pending references are replaced by
// resolved ids once the worker has processed the task.
func (t *Task) Params() Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// Depends lists the pending ids this task depends on, sorted.
func (t *Task) Depends() []string {
	ids := make([]string, 0, len(t.depends))
	for id := range t.depends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the current state atomically.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:            t.id,
		Op:            t.op,
		Status:        t.status,
		Result:        t.result,
		Error:         t.errMsg,
		Message:       t.message,
		AlreadyAbsent: t.absent,
	}
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) dependency(id string) (*Task, bool) {
	dep, ok := t.depends[id]
	return dep, ok
}

// begin moves an enqueued task to processing. It returns false when the task
// was cancelled and must be skipped.
func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusEnqueued {
		return false
	}
	t.status = StatusProcessing
	return true
}

// cancel moves an enqueued task to deleted.
func (t *Task) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusEnqueued {
		return false
	}
	t.status = StatusDeleted
	close(t.done)
	return true
}

func (t *Task) setParams(p Params) {
	t.mu.Lock()
	t.params = p
	t.mu.Unlock()
}

// finish records the terminal outcome. Only the first call has effect.
func (t *Task) finish(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = o.status
	t.result = o.result
	t.errMsg = o.err
	t.message = o.message
	t.absent = o.absent
	close(t.done)
}

// outcome is the result of executing one task.
type outcome struct {
	status  Status
	result  string
	err     string
	message string
	absent  bool
}

func succeeded(result string) outcome {
	return outcome{status: StatusDone, result: result}
}

func failed(format string, args ...any) outcome {
	return outcome{status: StatusError, err: fmt.Sprintf(format, args...)}
}
