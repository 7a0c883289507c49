package rollback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeBackend) record(kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+" "+id)
	return f.fail[id]
}

func (f *fakeBackend) DeleteNetwork(_ context.Context, id string) error { return f.record("net", id) }
func (f *fakeBackend) DeleteVM(_ context.Context, id string) error      { return f.record("vm", id) }

type fakeTracker struct {
	cancellable map[string]bool
	snapshots   map[string]worker.Snapshot
}

func (f *fakeTracker) Cancel(id string) bool { return f.cancellable[id] }

func (f *fakeTracker) Await(_ context.Context, id string) (worker.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return worker.Snapshot{}, fmt.Errorf("unknown task %s", id)
	}
	return snap, nil
}

func vmAction(id string) Action {
	return Action{Kind: KindVM, Location: LocationBackend, Backend: "dc1", ResourceID: id}
}

func TestRollbackIsTotalEffort(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fail: map[string]error{"vm3": errors.New("backend refused")}}
	actions := []Action{vmAction("vm1"), vmAction("vm2"), vmAction("vm3"), vmAction("vm4"), vmAction("vm5")}

	engine := NewEngine(nil, WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	report := engine.Rollback(context.Background(), map[string]Backend{"dc1": backend}, actions)

	assert.Equal(t, []string{"vm vm5", "vm vm4", "vm vm3", "vm vm2", "vm vm1"}, backend.calls)
	assert.False(t, report.Succeeded())
	require.Len(t, report.Outcomes, 5)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "vm3", failed[0].Action.ResourceID)

	summary := report.Summary()
	assert.Contains(t, summary, "Rollback fails to delete")
	assert.Contains(t, summary, "vm3")
	assert.Contains(t, summary, "backend refused")
	for _, ok := range []string{"vm1", "vm2", "vm4", "vm5"} {
		assert.NotContains(t, summary, ok)
	}
}

func TestRollbackBackendOutcomes(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fail: map[string]error{"gone": vim.NotFound("delete network", "network gone not found")}}
	actions := []Action{
		{Kind: KindNetwork, Location: LocationBackend, Backend: "dc1", ResourceID: "gone"},
		{Kind: KindNetwork, Location: LocationBackend, Backend: "dc2", ResourceID: "orphan", Name: "inst-net1"},
		{Kind: KindNetwork, Location: LocationBackend, Backend: "dc1", ResourceID: "net1"},
	}

	report := NewEngine(nil).Rollback(context.Background(), map[string]Backend{"dc1": backend}, actions)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, StatusDeleted, report.Outcomes[0].Status)
	assert.Equal(t, StatusUnreachable, report.Outcomes[1].Status)
	assert.Contains(t, report.Outcomes[1].Err.Error(), "could not reach backend dc2, resource left behind")
	assert.Equal(t, StatusAbsent, report.Outcomes[2].Status)
	assert.False(t, report.Succeeded())
	assert.Contains(t, report.Summary(), "inst-net1")
}

func TestRollbackDatabaseActions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, db.Insert(ctx, store.TableInstances, store.Row{UUID: "i1"}))
	require.NoError(t, db.Insert(ctx, store.TableNets, store.Row{UUID: "n1", InstanceID: "i1"}))
	require.NoError(t, db.Insert(ctx, store.TableVMs, store.Row{UUID: "v1", InstanceID: "i1"}))

	actions := []Action{
		// Deleted last but still referenced by a row outside the rollback.
		{Kind: KindInstance, Location: LocationDatabase, Table: store.TableInstances, ResourceID: "i1"},
		{Kind: KindNetwork, Location: LocationDatabase, Table: store.TableNets, ResourceID: "n1"},
		{Kind: KindNetwork, Location: LocationDatabase, Table: store.TableNets, ResourceID: "missing"},
	}

	report := NewEngine(db).Rollback(ctx, nil, actions)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, StatusAbsent, report.Outcomes[0].Status)
	assert.Equal(t, StatusDeleted, report.Outcomes[1].Status)
	assert.Equal(t, StatusFailed, report.Outcomes[2].Status)
	require.ErrorIs(t, report.Outcomes[2].Err, store.ErrConstraint)

	_, err = db.Get(ctx, store.TableNets, "n1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackPendingIDs(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{
		cancellable: map[string]bool{"TASK.1.000001": true},
		snapshots: map[string]worker.Snapshot{
			"TASK.1.000002": {ID: "TASK.1.000002", Status: worker.StatusDone, Result: "dc1-vm-0002"},
			"TASK.1.000003": {ID: "TASK.1.000003", Status: worker.StatusError, Error: "quota exceeded"},
		},
	}
	backend := &fakeBackend{}
	actions := []Action{
		vmAction("TASK.1.000001"),
		vmAction("TASK.1.000002"),
		vmAction("TASK.1.000003"),
		vmAction("TASK.1.000004"),
	}

	buf := &bytes.Buffer{}
	log, err := logger.New(debugLogOptions(buf))
	require.NoError(t, err)

	report := NewEngine(nil, WithTaskTracker(tracker), WithLogger(log)).
		Rollback(context.Background(), map[string]Backend{"dc1": backend}, actions)

	require.Len(t, report.Outcomes, 4)
	assert.Equal(t, StatusFailed, report.Outcomes[0].Status)
	assert.Equal(t, StatusSkipped, report.Outcomes[1].Status)
	assert.Equal(t, StatusDeleted, report.Outcomes[2].Status)
	assert.Equal(t, StatusCancelled, report.Outcomes[3].Status)
	assert.Equal(t, []string{"vm dc1-vm-0002"}, backend.calls)
	assert.Contains(t, buf.String(), "compensating action failed")
}

func TestRollbackPendingWithoutTracker(t *testing.T) {
	t.Parallel()

	report := NewEngine(nil).Rollback(context.Background(), map[string]Backend{"dc1": &fakeBackend{}}, []Action{vmAction("TASK.1.000001")})
	assert.False(t, report.Succeeded())
}

func TestEmptyRollbackSucceeds(t *testing.T) {
	t.Parallel()

	report := NewEngine(nil).Rollback(context.Background(), nil, nil)
	assert.True(t, report.Succeeded())
	assert.Equal(t, "Rollback successful.", report.Summary())
}

func debugLogOptions(buf *bytes.Buffer) logger.Options {
	return logger.Options{Level: "debug", Writer: buf}
}
