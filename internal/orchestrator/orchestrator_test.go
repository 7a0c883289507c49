package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/events"
	"github.com/alexisbeaulieu97/nfvo/internal/metrics"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	"github.com/alexisbeaulieu97/nfvo/internal/worker"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

type harness struct {
	orch    *Orchestrator
	db      *store.Store
	workers *worker.Registry
	mem     map[string]*vim.Memory
	reg     *prometheus.Registry

	mu     sync.Mutex
	events []string
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newHarness(t *testing.T, wrap func(*vim.Memory) vim.Connector) *harness {
	t.Helper()

	settings := &config.Settings{
		ManagementNetwork: "mgmt",
		QueueCapacity:     100,
		Datacenters: []config.Datacenter{
			{Name: "dc1", ID: "dc1", Type: vim.MemoryType, Tenant: "admin", TenantID: "admin", Default: true, ManagementNetworkID: "mgmt-net-1"},
			{Name: "dc2", ID: "dc2", Type: vim.MemoryType, Tenant: "admin", TenantID: "admin"},
		},
	}

	db, err := store.Open("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		db:      db,
		workers: worker.NewRegistry(),
		mem:     make(map[string]*vim.Memory),
		reg:     prometheus.NewRegistry(),
	}
	collector := metrics.NewCollector(h.reg)

	for _, dc := range settings.Datacenters {
		m := vim.NewMemory(dc.Name, vim.MemoryOptions{Provider: []string{"mgmt-net-1", "ext-net-1"}})
		h.mem[dc.Name] = m
		var conn vim.Connector = m
		if wrap != nil {
			conn = wrap(m)
		}
		_, err := h.workers.Start(ctx, worker.Identity{
			Key:            worker.Key{DatacenterID: dc.ID, TenantID: dc.TenantID},
			DatacenterName: dc.Name,
			TenantName:     dc.Tenant,
		}, conn, worker.WithCapacity(settings.QueueCapacity), worker.WithRecorder(db), worker.WithMetrics(collector))
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = h.workers.Stop(stopCtx)
		cancel()
	})

	publisher := events.NewLoggingPublisher(nil)
	for _, eventType := range []string{events.DeploymentStarted, events.DeploymentCompleted, events.DeploymentFailed, events.RollbackCompleted, events.InstanceDeleted} {
		_, err := publisher.Subscribe(eventType, func(_ context.Context, e events.Event) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e.Type)
			return nil
		})
		require.NoError(t, err)
	}

	h.orch, err = New(settings, db, h.workers, WithPublisher(publisher), WithMetrics(collector))
	require.NoError(t, err)
	return h
}

func (h *harness) rows(t *testing.T, table store.Table) []store.Row {
	t.Helper()
	rows, err := h.db.List(context.Background(), table, "")
	require.NoError(t, err)
	return rows
}

// edgeScenario chains a router and a firewall and uplinks the firewall to an
// external network. Both management interfaces land on the mgmt network.
func edgeScenario() *config.Scenario {
	return &config.Scenario{
		Version: config.ScenarioV01,
		Name:    "edge-service",
		Catalog: map[string]config.VNF{
			"router": {VMs: []config.VM{{
				Name: "router-vm", Image: "vrouter", Flavor: "m1.medium",
				Interfaces: []config.InterfaceSpec{
					{Name: "mgmt0", Class: "mgmt"},
					{Name: "xe0", Class: "data", Type: "VF"},
					{Name: "xe1", Class: "data"},
				},
			}}},
			"firewall": {VMs: []config.VM{{
				Name: "fw-vm", Image: "vfw", Flavor: "m1.large",
				BootData: &vim.CloudConfig{KeyPairs: []string{"ssh-rsa fw"}},
				Interfaces: []config.InterfaceSpec{
					{Name: "mgmt0", Class: "mgmt"},
					{Name: "xe0", Class: "data"},
					{Name: "eth1", Class: "bridge", Model: "virtio"},
				},
			}}},
		},
		Nodes: map[string]config.Node{
			"r1":       {Type: config.NodeVNF, VNF: "router"},
			"fw1":      {Type: config.NodeVNF, VNF: "firewall"},
			"internet": {Type: config.NodeExternalNetwork},
		},
		Connections: map[string]config.ConnectionSpec{
			"chain":  {Nodes: []map[string]string{{"r1": "xe0"}, {"fw1": "xe0"}}},
			"uplink": {Nodes: []map[string]string{{"fw1": "eth1"}, {"internet": "0"}}},
		},
	}
}

func edgeInstance() *config.Instance {
	return &config.Instance{
		Name:        "edge-1",
		CloudConfig: &vim.CloudConfig{KeyPairs: []string{"ssh-rsa ops"}},
		Networks: map[string]config.InstanceNetwork{
			"internet": {VIMNetworkID: "ext-net-1"},
		},
	}
}

func resourceByName(t *testing.T, resources []Resource, name string) Resource {
	t.Helper()
	for _, r := range resources {
		if r.Name == name {
			return r
		}
	}
	require.Failf(t, "resource not found", "%s", name)
	return Resource{}
}

func TestDeployCreatesNetworksAndVMs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	d, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	require.NoError(t, err)
	require.NotEmpty(t, d.InstanceID)

	require.Len(t, d.Networks, 3)
	internet := resourceByName(t, d.Networks, "internet")
	assert.Equal(t, "ext-net-1", internet.ResourceID)
	assert.False(t, internet.Created)
	mgmt := resourceByName(t, d.Networks, "mgmt")
	assert.Equal(t, "mgmt-net-1", mgmt.ResourceID)
	assert.False(t, mgmt.Created)
	chain := resourceByName(t, d.Networks, "net0")
	assert.True(t, chain.Created)
	assert.Equal(t, "dc1", chain.Datacenter)

	mem := h.mem["dc1"]
	var created []vim.Network
	for _, n := range mem.Networks() {
		if n.ID == chain.ResourceID {
			created = append(created, n)
		}
	}
	require.Len(t, created, 1)
	assert.Equal(t, "edge-1-chain", created[0].Name)
	assert.Equal(t, vim.ClassPTP, created[0].Class)

	require.Len(t, d.VMs, 2)
	router := resourceByName(t, d.VMs, "r1.router-vm")
	var routerVM vim.VM
	for _, vm := range mem.VMs() {
		if vm.ID == router.ResourceID {
			routerVM = vm
		}
	}
	require.Equal(t, "edge-1-r1-router-vm", routerVM.Request.Name)
	require.Len(t, routerVM.Request.Interfaces, 2, "unattached xe1 is not wired")
	assert.Equal(t, "mgmt-net-1", routerVM.Request.Interfaces[0].NetID)
	assert.Equal(t, chain.ResourceID, routerVM.Request.Interfaces[1].NetID)
	assert.Equal(t, "VF", routerVM.Request.Interfaces[1].Type)
	assert.Equal(t, []string{"ssh-rsa ops"}, routerVM.Request.CloudConfig.KeyPairs)

	fw := resourceByName(t, d.VMs, "fw1.fw-vm")
	for _, vm := range mem.VMs() {
		if vm.ID == fw.ResourceID {
			assert.Equal(t, []string{"ssh-rsa ops", "ssh-rsa fw"}, vm.Request.CloudConfig.KeyPairs)
			assert.Equal(t, "ext-net-1", vm.Request.Interfaces[2].NetID)
		}
	}

	for _, table := range []store.Table{store.TableNets, store.TableVMs} {
		for _, row := range h.rows(t, table) {
			assert.False(t, worker.IsPendingID(row.ResourceID), "row %s still holds a pending id", row.Name)
			assert.Equal(t, d.InstanceID, row.InstanceID)
		}
	}
	inst, err := h.db.Get(context.Background(), store.TableInstances, d.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, inst.Status)
	assert.Equal(t, "edge-service", inst.Fields["scenario"])

	assert.Equal(t, []string{events.DeploymentStarted, events.DeploymentCompleted}, h.eventTypes())
	assert.Empty(t, h.mem["dc2"].Calls())

	expected := `
# HELP nfvo_deployments_total Deployment attempts by result.
# TYPE nfvo_deployments_total counter
nfvo_deployments_total{result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "nfvo_deployments_total"))
}

func TestDeployValidationHasNoSideEffects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Scenario, *config.Instance)
		field  string
	}{
		{
			name:   "external network without backend id",
			mutate: func(_ *config.Scenario, inst *config.Instance) { inst.Networks = nil },
			field:  "networks.internet.vim-network-id",
		},
		{
			name:   "unknown datacenter",
			mutate: func(_ *config.Scenario, inst *config.Instance) { inst.Datacenter = "dc9" },
			field:  "instance.datacenter",
		},
		{
			name: "vm split from its networks",
			mutate: func(_ *config.Scenario, inst *config.Instance) {
				inst.VNFs = map[string]config.InstanceVNF{"r1": {Datacenter: "dc2"}}
			},
			field: "vnfs.r1.datacenter",
		},
		{
			name: "override of an unknown network",
			mutate: func(_ *config.Scenario, inst *config.Instance) {
				inst.Networks["lan"] = config.InstanceNetwork{VIMNetworkID: "x"}
			},
			field: "networks.lan",
		},
		{
			name: "ip profile outside subnet",
			mutate: func(_ *config.Scenario, inst *config.Instance) {
				inst.Networks["net0"] = config.InstanceNetwork{IPProfile: &config.IPProfileSpec{SubnetAddress: "10.0.0.0/24", GatewayAddress: "10.0.1.1"}}
			},
			field: "networks.net0.ip-profile",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			sc, inst := edgeScenario(), edgeInstance()
			tc.mutate(sc, inst)

			_, err := h.orch.Deploy(context.Background(), sc, inst)
			var validationErr *nfvoerrors.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.field, validationErr.Field)

			assert.Empty(t, h.mem["dc1"].Calls())
			assert.Empty(t, h.rows(t, store.TableInstances))
			assert.Empty(t, h.eventTypes())
		})
	}
}

func TestDeployRejectsDuplicateInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	require.NoError(t, err)

	_, err = h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	var validationErr *nfvoerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "instance.name", validationErr.Field)
}

func TestConcurrentDeploysOfOneNameDeployOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	const attempts = 8

	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var validationErr *nfvoerrors.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "instance.name", validationErr.Field)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, h.rows(t, store.TableInstances), 1)
	assert.Len(t, h.rows(t, store.TableVMs), 2)
	assert.Equal(t, []string{events.DeploymentStarted, events.DeploymentCompleted}, h.eventTypes())
}

func TestDeployRollsBackOnBackendFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	mem := h.mem["dc1"]
	mem.FailCreate("edge-1-fw1-fw-vm", vim.Backend("create vm", "no capacity"))

	_, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	var deployErr *nfvoerrors.DeploymentError
	require.ErrorAs(t, err, &deployErr)
	assert.Equal(t, "create vm fw1.fw-vm", deployErr.Step)
	assert.Contains(t, deployErr.Err.Error(), "no capacity")
	assert.True(t, deployErr.RollbackOK)
	assert.Equal(t, "Rollback successful.", deployErr.RollbackSummary)

	assert.Empty(t, mem.VMs())
	assert.Len(t, mem.Networks(), 2, "only provider networks remain")
	for _, table := range []store.Table{store.TableInstances, store.TableNets, store.TableVMs} {
		assert.Empty(t, h.rows(t, table), "table %s", table)
	}
	assert.Equal(t, []string{events.DeploymentStarted, events.DeploymentFailed, events.RollbackCompleted}, h.eventTypes())

	expected := `
# HELP nfvo_deployments_total Deployment attempts by result.
# TYPE nfvo_deployments_total counter
nfvo_deployments_total{result="failure"} 1
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "nfvo_deployments_total"))
}

func TestDeployRollbackReportsLeftovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	mem := h.mem["dc1"]
	mem.FailCreate("edge-1-fw1-fw-vm", vim.Backend("create vm", "no capacity"))
	// The chain network is the first resource this connector creates.
	mem.FailDelete("dc1-net-0001", vim.Connectivity("delete network", errors.New("timeout")))

	_, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	var deployErr *nfvoerrors.DeploymentError
	require.ErrorAs(t, err, &deployErr)
	assert.False(t, deployErr.RollbackOK)
	assert.True(t, strings.HasPrefix(deployErr.RollbackSummary, "Rollback fails to delete: [network edge-1-chain at dc1:"), deployErr.RollbackSummary)
	assert.Contains(t, err.Error(), "timeout")

	assert.Empty(t, mem.VMs(), "the router vm created before the failure is removed")
	assert.Empty(t, h.rows(t, store.TableInstances))
}

// gatedConnector holds network creations until the gate is closed.
type gatedConnector struct {
	*vim.Memory
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gatedConnector) CreateNetwork(ctx context.Context, name string, class vim.NetworkClass, profile *vim.IPProfile) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.Memory.CreateNetwork(ctx, name, class, profile)
}

func TestDeleteInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	d, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	require.NoError(t, err)

	report, err := h.orch.Delete(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, d.InstanceID, report.InstanceID)
	assert.ElementsMatch(t, []string{"vm r1.router-vm", "vm fw1.fw-vm", "network net0"}, report.Deleted)
	assert.Equal(t, "Instance edge-1 deleted.", report.String())

	mem := h.mem["dc1"]
	assert.Empty(t, mem.VMs())
	assert.Len(t, mem.Networks(), 2)
	for _, table := range []store.Table{store.TableInstances, store.TableNets, store.TableVMs} {
		assert.Empty(t, h.rows(t, table), "table %s", table)
	}
	assert.Contains(t, h.eventTypes(), events.InstanceDeleted)

	_, err = h.orch.Delete(context.Background(), d.InstanceID)
	var validationErr *nfvoerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteReportsAbsentResources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	d, err := h.orch.Deploy(context.Background(), edgeScenario(), edgeInstance())
	require.NoError(t, err)

	router := resourceByName(t, d.VMs, "r1.router-vm")
	require.NoError(t, h.mem["dc1"].DeleteVM(context.Background(), router.ResourceID))

	report, err := h.orch.Delete(context.Background(), d.InstanceID)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"vm r1.router-vm"}, report.Absent)
	assert.Equal(t, "Instance edge-1 deleted. Already absent: vm r1.router-vm.", report.String())
}

func TestDeleteResolvesPendingCreations(t *testing.T) {
	t.Parallel()

	var gated *gatedConnector
	h := newHarness(t, func(m *vim.Memory) vim.Connector {
		if gated == nil {
			gated = &gatedConnector{Memory: m, gate: make(chan struct{}), started: make(chan struct{})}
			return gated
		}
		return m
	})
	ctx := context.Background()
	w, ok := h.workers.ByName("dc1")
	require.True(t, ok)

	processing := worker.NewCreateNetworkTask(h.workers.IDs(), worker.NetworkParams{Name: "a", Class: vim.ClassBridge})
	queued := worker.NewCreateNetworkTask(h.workers.IDs(), worker.NetworkParams{Name: "b", Class: vim.ClassBridge})
	_, err := w.Submit(processing)
	require.NoError(t, err)
	_, err = w.Submit(queued)
	require.NoError(t, err)
	<-gated.started

	base := time.Now().UTC()
	require.NoError(t, h.db.Insert(ctx, store.TableInstances, store.Row{UUID: "inst-1", Name: "pending", Created: true}))
	require.NoError(t, h.db.Insert(ctx, store.TableNets, store.Row{UUID: "row-a", InstanceID: "inst-1", Name: "a", Datacenter: "dc1", ResourceID: processing.ID(), Created: true, CreatedAt: base}))
	require.NoError(t, h.db.Insert(ctx, store.TableNets, store.Row{UUID: "row-b", InstanceID: "inst-1", Name: "b", Datacenter: "dc1", ResourceID: queued.ID(), Created: true, CreatedAt: base.Add(time.Second)}))

	type result struct {
		report *DeleteReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := h.orch.Delete(ctx, "pending")
		done <- result{report, err}
	}()

	// The cancelled task and the dependent delete are both queued once
	// Delete has handled every row.
	require.Eventually(t, func() bool { return w.Len() == 2 }, 5*time.Second, time.Millisecond)
	close(gated.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"network b"}, res.report.Skipped)
	assert.Equal(t, []string{"network a"}, res.report.Deleted)
	assert.Equal(t, worker.StatusDeleted, queued.Snapshot().Status)
	assert.Len(t, h.mem["dc1"].Networks(), 2)
	assert.Equal(t, []string{"create network a", "delete network dc1-net-0001"}, h.mem["dc1"].Calls())
}

func TestNewRequiresEveryDatacenter(t *testing.T) {
	t.Parallel()

	settings := &config.Settings{Datacenters: []config.Datacenter{{Name: "dc1", ID: "dc1", Type: vim.MemoryType, Default: true}}}
	db, err := store.Open("")
	require.NoError(t, err)

	_, err = New(settings, db, worker.NewRegistry())
	require.ErrorContains(t, err, "no worker started for datacenter dc1")

	_, err = New(nil, db, worker.NewRegistry())
	require.Error(t, err)
}

func TestRollbackUsesReloadedConnector(t *testing.T) {
	t.Parallel()

	settings := &config.Settings{Datacenters: []config.Datacenter{{Name: "dc1", ID: "dc1", Type: vim.MemoryType, Default: true}}}
	db, err := store.Open("")
	require.NoError(t, err)

	first := vim.NewMemory("dc1", vim.MemoryOptions{})
	second := vim.NewMemory("dc1", vim.MemoryOptions{})
	reload := func() (vim.Connector, error) { return second, nil }

	ctx, cancel := context.WithCancel(context.Background())
	workers := worker.NewRegistry()
	_, err = workers.Start(ctx, worker.Identity{
		Key:            worker.Key{DatacenterID: "dc1"},
		DatacenterName: "dc1",
	}, first, worker.WithReload(reload))
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = workers.Stop(stopCtx)
		cancel()
	})

	orch, err := New(settings, db, workers)
	require.NoError(t, err)
	assert.Same(t, first, orch.backends()["dc1"])

	require.NoError(t, orch.Reload(context.Background(), ""))
	assert.Same(t, second, orch.backends()["dc1"])

	var verr *nfvoerrors.ValidationError
	require.ErrorAs(t, orch.Reload(context.Background(), "nowhere"), &verr)
}
