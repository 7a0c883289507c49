package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/nfvo/internal/events"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// DeleteReport lists what happened to each resource of a deleted instance.
type DeleteReport struct {
	InstanceID string
	Name       string
	Deleted    []string
	// Absent lists resources the backend no longer knew.
	Absent []string
	// Skipped lists resources that were never created.
	Skipped []string
	// Failed lists resources that may have been left behind, with the reason.
	Failed []string
}

// OK reports whether nothing was left behind.
func (r *DeleteReport) OK() bool {
	return len(r.Failed) == 0
}

func (r *DeleteReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance %s deleted.", r.Name)
	if len(r.Absent) > 0 {
		fmt.Fprintf(&b, " Already absent: %s.", strings.Join(r.Absent, ", "))
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, " Could not delete: %s.", strings.Join(r.Failed, "; "))
	}
	return b.String()
}

type deletion struct {
	label string
	task  *worker.Task
	w     *worker.Worker
}

// Delete tears down an instance, identified by uuid or name. VMs are deleted
// before networks, each in reverse creation order. Creations still queued are
// cancelled, creations in progress are followed by a dependent delete, and
// failed creations are skipped. Rows are removed even when the backend could
// not be cleaned; the report says what was left behind.
func (o *Orchestrator) Delete(ctx context.Context, ref string) (*DeleteReport, error) {
	inst, err := o.findInstance(ctx, ref)
	if err != nil {
		return nil, err
	}
	log := o.log.With("instance", inst.Name, "instance_id", inst.UUID)

	vms, err := o.db.List(ctx, store.TableVMs, inst.UUID)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	nets, err := o.db.List(ctx, store.TableNets, inst.UUID)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}

	report := &DeleteReport{InstanceID: inst.UUID, Name: inst.Name}
	var queued []deletion
	for i := len(vms) - 1; i >= 0; i-- {
		if d, ok := o.deleteVMRow(report, vms[i]); ok {
			queued = append(queued, d)
		}
	}
	for i := len(nets) - 1; i >= 0; i-- {
		if !nets[i].Created {
			continue
		}
		if d, ok := o.deleteNetworkRow(report, nets[i]); ok {
			queued = append(queued, d)
		}
	}

	for _, d := range queued {
		snap, err := d.w.Await(ctx, d.task.ID())
		switch {
		case err != nil:
			report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", d.label, err))
		case snap.Status == worker.StatusError:
			report.Failed = append(report.Failed, fmt.Sprintf("%s: %s", d.label, snap.Error))
		case snap.AlreadyAbsent:
			report.Absent = append(report.Absent, d.label)
		case snap.Result == "":
			report.Skipped = append(report.Skipped, d.label)
		default:
			report.Deleted = append(report.Deleted, d.label)
		}
	}

	for _, group := range []struct {
		table store.Table
		rows  []store.Row
	}{{store.TableVMs, vms}, {store.TableNets, nets}} {
		for _, row := range group.rows {
			if err := o.db.Delete(ctx, group.table, row.UUID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return report, fmt.Errorf("delete %s row %s: %w", group.table, row.Name, err)
			}
		}
	}
	if err := o.db.Delete(ctx, store.TableInstances, inst.UUID); err != nil {
		return report, fmt.Errorf("delete instance row: %w", err)
	}

	log.Info("instance deleted", "deleted", len(report.Deleted), "absent", len(report.Absent), "failed", len(report.Failed))
	o.publish(ctx, events.InstanceDeleted, map[string]any{
		"instance":    inst.Name,
		"instance_id": inst.UUID,
		"deleted":     len(report.Deleted),
		"failed":      len(report.Failed),
	})
	return report, nil
}

func (o *Orchestrator) findInstance(ctx context.Context, ref string) (store.Row, error) {
	row, err := o.db.Get(ctx, store.TableInstances, ref)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Row{}, err
	}
	rows, err := o.db.List(ctx, store.TableInstances, "")
	if err != nil {
		return store.Row{}, err
	}
	for _, r := range rows {
		if r.Name == ref {
			return r, nil
		}
	}
	return store.Row{}, nfvoerrors.NewValidationError("instance", fmt.Sprintf("instance %q not found", ref), store.ErrNotFound)
}

func (o *Orchestrator) deleteVMRow(report *DeleteReport, row store.Row) (deletion, bool) {
	return o.deleteRow(report, row, "vm "+row.Name, worker.NewDeleteVMTask)
}

func (o *Orchestrator) deleteNetworkRow(report *DeleteReport, row store.Row) (deletion, bool) {
	return o.deleteRow(report, row, "network "+row.Name, worker.NewDeleteNetworkTask)
}

type deleteTaskFunc func(ids *worker.IDSource, resourceID string, deps ...*worker.Task) *worker.Task

// deleteRow queues the backend deletion of one row. It returns false when
// nothing needs to be awaited; the report is then already updated.
func (o *Orchestrator) deleteRow(report *DeleteReport, row store.Row, label string, newTask deleteTaskFunc) (deletion, bool) {
	ids := o.workers.IDs()
	id := row.ResourceID

	if worker.IsPendingID(id) {
		create, w, ok := o.workers.Task(id)
		if !ok {
			report.Failed = append(report.Failed, fmt.Sprintf("%s: creation task %s is no longer tracked, resource may be left behind", label, id))
			return deletion{}, false
		}
		if w.Cancel(id) {
			report.Skipped = append(report.Skipped, label)
			return deletion{}, false
		}
		snap := create.Snapshot()
		switch snap.Status {
		case worker.StatusError, worker.StatusDeleted:
			report.Skipped = append(report.Skipped, label)
			return deletion{}, false
		case worker.StatusDone:
			return o.queueDelete(report, label, w, newTask(ids, snap.Result))
		default:
			return o.queueDelete(report, label, w, newTask(ids, id, create))
		}
	}

	s, ok := o.sites[row.Datacenter]
	if !ok {
		report.Failed = append(report.Failed, fmt.Sprintf("%s: could not reach backend %s, resource left behind", label, row.Datacenter))
		return deletion{}, false
	}
	return o.queueDelete(report, label, s.worker, newTask(ids, id))
}

func (o *Orchestrator) queueDelete(report *DeleteReport, label string, w *worker.Worker, task *worker.Task) (deletion, bool) {
	if _, err := w.Submit(task); err != nil {
		report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", label, err))
		return deletion{}, false
	}
	return deletion{label: label, task: task, w: w}, true
}
