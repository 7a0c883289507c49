package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/events"
	"github.com/alexisbeaulieu97/nfvo/internal/logger"
	"github.com/alexisbeaulieu97/nfvo/internal/rollback"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/topology"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// Resource is one network or VM of a deployed instance.
type Resource struct {
	// Name is the topology name: the network key or <function>.<vm>.
	Name       string
	Datacenter string
	// ResourceID is the backend id.
	ResourceID string
	// Created is false for pre-existing networks the instance only attaches to.
	Created bool
}

// Deployment describes a successfully deployed instance.
type Deployment struct {
	InstanceID string
	Name       string
	Networks   []Resource
	VMs        []Resource
}

type networkPlan struct {
	net      topology.LogicalNetwork
	name     string
	site     *site
	class    vim.NetworkClass
	profile  *vim.IPProfile
	existing string

	// netID is the id VMs attach to: existing, or the creation task id.
	netID string
	task  *worker.Task
}

type vmPlan struct {
	key  string
	fn   config.FunctionInstance
	vm   config.VM
	site *site
	req  vim.VMRequest
	nets []*networkPlan
	task *worker.Task
}

type plan struct {
	scenario *config.Scenario
	instance *config.Instance
	networks []*networkPlan
	vms      []*vmPlan
}

// Deploy resolves the scenario topology, creates its networks and VMs on the
// datacenters chosen by the instance and waits for every backend task. When
// any step fails, everything created so far is rolled back and a
// *errors.DeploymentError carrying the rollback summary is returned.
// Validation failures are returned before any side effect.
func (o *Orchestrator) Deploy(ctx context.Context, sc *config.Scenario, inst *config.Instance) (*Deployment, error) {
	if sc == nil || inst == nil {
		return nil, fmt.Errorf("scenario and instance are required")
	}

	res, err := topology.Resolve(sc.TopologyInput(o.settings.ManagementNetwork))
	if err != nil {
		return nil, err
	}
	p, err := o.plan(ctx, sc, inst, res)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, p)
}

func (o *Orchestrator) plan(ctx context.Context, sc *config.Scenario, inst *config.Instance, res *topology.Result) (*plan, error) {
	if _, ok := o.siteFor(inst.Datacenter); !ok {
		return nil, nfvoerrors.NewValidationError("instance.datacenter", fmt.Sprintf("unknown datacenter %q", inst.Datacenter), nil)
	}
	instances, err := o.db.List(ctx, store.TableInstances, "")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	for _, row := range instances {
		if row.Name == inst.Name {
			return nil, nfvoerrors.NewValidationError("instance.name", fmt.Sprintf("instance %q already exists as %s", inst.Name, row.UUID), nil)
		}
	}
	for _, name := range sortedNames(inst.Networks) {
		if _, ok := res.Network(name); !ok {
			return nil, nfvoerrors.NewValidationError("networks."+name, fmt.Sprintf("scenario %s has no network %q", sc.Name, name), nil)
		}
	}

	p := &plan{scenario: sc, instance: inst}
	byKey := make(map[string]*networkPlan, len(res.Networks))
	for _, n := range res.Networks {
		np, err := o.planNetwork(inst, n)
		if err != nil {
			return nil, err
		}
		byKey[n.Key] = np
		p.networks = append(p.networks, np)
	}

	for _, fn := range sc.Functions() {
		s, ok := o.siteFor(inst.VNFDatacenter(fn.ID))
		if !ok {
			return nil, nfvoerrors.NewValidationError("vnfs."+fn.ID+".datacenter", fmt.Sprintf("unknown datacenter %q", inst.VNFDatacenter(fn.ID)), nil)
		}
		for _, vm := range fn.VNF.VMs {
			vp, err := planVM(sc, inst, res, byKey, s, fn, vm)
			if err != nil {
				return nil, err
			}
			p.vms = append(p.vms, vp)
		}
	}
	return p, nil
}

func (o *Orchestrator) planNetwork(inst *config.Instance, n topology.LogicalNetwork) (*networkPlan, error) {
	field := "networks." + n.Key
	s, ok := o.siteFor(inst.NetworkDatacenter(n.Key))
	if !ok {
		return nil, nfvoerrors.NewValidationError(field+".datacenter", fmt.Sprintf("unknown datacenter %q", inst.NetworkDatacenter(n.Key)), nil)
	}

	np := &networkPlan{
		net:   n,
		name:  inst.Name + "-" + n.Name,
		site:  s,
		class: networkClass(n.Transport),
	}
	override := inst.Networks[n.Key]
	np.existing = override.VIMNetworkID
	if np.existing == "" && n.External && n.Management {
		np.existing = s.dc.ManagementNetworkID
	}
	if n.External && np.existing == "" {
		return nil, nfvoerrors.NewValidationError(field+".vim-network-id",
			fmt.Sprintf("external network %s has no backend network id in datacenter %s", n.Key, s.dc.Name), nil)
	}

	if override.IPProfile != nil {
		if np.existing != "" {
			return nil, nfvoerrors.NewValidationError(field+".ip-profile", "an ip profile cannot be applied to an existing network", nil)
		}
		profile, err := NormalizeIPProfile(override.IPProfile)
		if err != nil {
			return nil, nfvoerrors.NewValidationError(field+".ip-profile", err.Error(), err)
		}
		np.profile = profile
	}
	np.netID = np.existing
	return np, nil
}

func planVM(sc *config.Scenario, inst *config.Instance, res *topology.Result, byKey map[string]*networkPlan, s *site, fn config.FunctionInstance, vm config.VM) (*vmPlan, error) {
	vp := &vmPlan{
		key:  fn.ID + "." + vm.Name,
		fn:   fn,
		vm:   vm,
		site: s,
		req: vim.VMRequest{
			Name:        fmt.Sprintf("%s-%s-%s", inst.Name, fn.ID, vm.Name),
			Description: vm.Description,
			Start:       true,
			ImageID:     vm.Image,
			FlavorID:    vm.Flavor,
			CloudConfig: MergeCloudConfig(inst.CloudConfig, vm.BootData),
			Disks:       append([]vim.Disk(nil), vm.Disks...),
		},
	}

	for _, spec := range vm.Interfaces {
		ep := topology.Endpoint{Function: fn.ID, Interface: spec.Name}
		key, attached := res.Bindings[ep]
		if !attached {
			continue
		}
		np := byKey[key]
		if np.site != s {
			return nil, nfvoerrors.NewValidationError("vnfs."+fn.ID+".datacenter",
				fmt.Sprintf("vm %s in datacenter %s cannot attach to network %s in datacenter %s", vp.key, s.dc.Name, key, np.site.dc.Name), nil)
		}
		vp.nets = append(vp.nets, np)
		vp.req.Interfaces = append(vp.req.Interfaces, vim.Interface{
			Name:         spec.Name,
			Type:         interfaceType(spec.Type),
			Use:          spec.Class,
			Model:        spec.Model,
			MACAddress:   spec.MAC,
			VPCI:         spec.VPCI,
			IPAddress:    sc.MemberIPAddress(key, ep),
			PortSecurity: spec.PortSecurity,
			FloatingIP:   spec.FloatingIP,
		})
	}
	return vp, nil
}

func networkClass(t topology.Transport) vim.NetworkClass {
	switch t {
	case topology.TransportData:
		return vim.ClassData
	case topology.TransportPTP:
		return vim.ClassPTP
	default:
		return vim.ClassBridge
	}
}

func interfaceType(t string) string {
	if t == "" {
		return "virtual"
	}
	return t
}

// submitted is a task the deployment waits for.
type submitted struct {
	label string
	task  *worker.Task
}

type execution struct {
	o        *Orchestrator
	log      *logger.Logger
	instance store.Row
	actions  []rollback.Action
	pending  []submitted
}

func (o *Orchestrator) execute(ctx context.Context, p *plan) (*Deployment, error) {
	inst := p.instance
	defaultSite, _ := o.siteFor(inst.Datacenter)
	ex := &execution{
		o: o,
		instance: store.Row{
			UUID:       uuid.NewString(),
			Name:       inst.Name,
			Datacenter: defaultSite.dc.Name,
			Status:     InstanceDeploying,
			Created:    true,
			Fields: map[string]string{
				"scenario":    p.scenario.Name,
				"description": inst.Description,
			},
		},
	}
	ex.log = o.log.With("instance", inst.Name, "instance_id", ex.instance.UUID)

	// The store enforces unique instance names; a concurrent deployment of
	// the same name loses here, before any side effect.
	if err := o.db.Insert(ctx, store.TableInstances, ex.instance); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nfvoerrors.NewValidationError("instance.name", fmt.Sprintf("instance %q already exists", inst.Name), err)
		}
		return nil, fmt.Errorf("store instance: %w", err)
	}

	o.publish(ctx, events.DeploymentStarted, map[string]any{
		"instance":    inst.Name,
		"instance_id": ex.instance.UUID,
		"scenario":    p.scenario.Name,
		"networks":    len(p.networks),
		"vms":         len(p.vms),
	})
	ex.log.Info("deployment started", "networks", len(p.networks), "vms", len(p.vms))

	ex.actions = append(ex.actions, rollback.Action{
		Kind: rollback.KindInstance, Location: rollback.LocationDatabase,
		Table: store.TableInstances, ResourceID: ex.instance.UUID, Name: inst.Name,
	})

	ids := o.workers.IDs()
	for _, np := range p.networks {
		if np.existing != "" {
			if err := ex.persist(ctx, store.TableNets, np.net.Key, np.site, np.existing, false, networkFields(np)); err != nil {
				return nil, o.abort(ctx, ex, "store network "+np.net.Key, err)
			}
			continue
		}
		np.task = worker.NewCreateNetworkTask(ids, worker.NetworkParams{Name: np.name, Class: np.class, IPProfile: np.profile})
		np.netID = np.task.ID()
		if err := ex.submit(ctx, store.TableNets, rollback.KindNetwork, np.net.Key, np.name, np.site, np.task, networkFields(np)); err != nil {
			return nil, o.abort(ctx, ex, "create network "+np.net.Key, err)
		}
	}

	for _, vp := range p.vms {
		req := vp.req
		req.Interfaces = append([]vim.Interface(nil), vp.req.Interfaces...)
		var deps []*worker.Task
		for i, np := range vp.nets {
			req.Interfaces[i].NetID = np.netID
			if np.task != nil {
				deps = append(deps, np.task)
			}
		}
		vp.task = worker.NewCreateVMTask(ids, req, deps...)
		fields := map[string]string{"vnf": vp.fn.VNFName, "image": vp.vm.Image, "flavor": vp.vm.Flavor}
		if err := ex.submit(ctx, store.TableVMs, rollback.KindVM, vp.key, req.Name, vp.site, vp.task, fields); err != nil {
			return nil, o.abort(ctx, ex, "create vm "+vp.key, err)
		}
	}

	results := make(map[string]string, len(ex.pending))
	for _, s := range ex.pending {
		snap, err := o.workers.Await(ctx, s.task.ID())
		if err != nil {
			return nil, o.abort(ctx, ex, s.label, err)
		}
		switch snap.Status {
		case worker.StatusDone:
			results[s.task.ID()] = snap.Result
		case worker.StatusDeleted:
			return nil, o.abort(ctx, ex, s.label, errors.New("task was cancelled"))
		default:
			return nil, o.abort(ctx, ex, s.label, errors.New(snap.Error))
		}
	}

	ex.instance.Status = InstanceActive
	if err := o.db.Update(ctx, store.TableInstances, ex.instance); err != nil {
		return nil, o.abort(ctx, ex, "activate instance", err)
	}

	d := &Deployment{InstanceID: ex.instance.UUID, Name: inst.Name}
	for _, np := range p.networks {
		r := Resource{Name: np.net.Key, Datacenter: np.site.dc.Name, ResourceID: np.existing}
		if np.task != nil {
			r.ResourceID = results[np.task.ID()]
			r.Created = true
		}
		d.Networks = append(d.Networks, r)
	}
	for _, vp := range p.vms {
		d.VMs = append(d.VMs, Resource{Name: vp.key, Datacenter: vp.site.dc.Name, ResourceID: results[vp.task.ID()], Created: true})
	}

	o.metrics.Deployment("success")
	o.publish(ctx, events.DeploymentCompleted, map[string]any{
		"instance":    inst.Name,
		"instance_id": d.InstanceID,
		"networks":    len(d.Networks),
		"vms":         len(d.VMs),
	})
	ex.log.Info("deployment completed", "networks", len(d.Networks), "vms", len(d.VMs))
	return d, nil
}

func networkFields(np *networkPlan) map[string]string {
	return map[string]string{
		"network":   np.name,
		"transport": string(np.net.Transport),
		"external":  strconv.FormatBool(np.net.External),
	}
}

// persist inserts a network or VM row and records its compensating action.
func (ex *execution) persist(ctx context.Context, table store.Table, name string, s *site, resourceID string, created bool, fields map[string]string) error {
	row := store.Row{
		UUID:       uuid.NewString(),
		InstanceID: ex.instance.UUID,
		Name:       name,
		Datacenter: s.dc.Name,
		ResourceID: resourceID,
		Created:    created,
		Fields:     fields,
	}
	if err := ex.o.db.Insert(ctx, table, row); err != nil {
		return err
	}
	kind := rollback.KindNetwork
	if table == store.TableVMs {
		kind = rollback.KindVM
	}
	ex.actions = append(ex.actions, rollback.Action{
		Kind: kind, Location: rollback.LocationDatabase,
		Table: table, ResourceID: row.UUID, Name: name,
	})
	return nil
}

// submit persists the row under the pending id, then queues the task. The
// backend compensation is recorded only once the task was accepted.
func (ex *execution) submit(ctx context.Context, table store.Table, kind rollback.Kind, name, backendName string, s *site, task *worker.Task, fields map[string]string) error {
	if err := ex.persist(ctx, table, name, s, task.ID(), true, fields); err != nil {
		return err
	}
	if _, err := s.worker.Submit(task); err != nil {
		return err
	}
	ex.actions = append(ex.actions, rollback.Action{
		Kind: kind, Location: rollback.LocationBackend,
		Backend: s.dc.Name, ResourceID: task.ID(), Name: backendName,
	})
	ex.pending = append(ex.pending, submitted{label: fmt.Sprintf("create %s %s", kind, name), task: task})
	ex.log.Debug("task submitted", "task_id", task.ID(), "op", task.Op().String(), "datacenter", s.dc.Name)
	return nil
}

// abort rolls back everything recorded so far and wraps cause with the
// rollback summary. The rollback ignores cancellation of ctx but is bounded by
// the rollback timeout.
func (o *Orchestrator) abort(ctx context.Context, ex *execution, step string, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.rollbackTimeout)
	defer cancel()

	report := o.rollback.Rollback(rctx, o.backends(), ex.actions)
	summary := report.Summary()
	ex.log.Error(cause, "deployment failed", "step", step, "rollback", summary)

	o.metrics.Deployment("failure")
	o.publish(rctx, events.DeploymentFailed, map[string]any{
		"instance":    ex.instance.Name,
		"instance_id": ex.instance.UUID,
		"step":        step,
		"error":       cause.Error(),
	})
	o.publish(rctx, events.RollbackCompleted, map[string]any{
		"instance":  ex.instance.Name,
		"actions":   len(report.Outcomes),
		"succeeded": report.Succeeded(),
		"summary":   summary,
	})
	return nfvoerrors.NewDeploymentError(step, cause, report.Succeeded(), summary)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
