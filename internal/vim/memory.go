package vim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryType is the registry key of the in-memory connector.
const MemoryType = "memory"

// MemoryOptions tunes the in-memory connector.
type MemoryOptions struct {
	// Latency is slept before every call, honouring context cancellation.
	Latency time.Duration
	// FailCreate lists resource names whose creation fails with a backend error.
	FailCreate []string
	// Provider lists ids of networks that exist before any call, such as
	// external or management networks owned by the operator.
	Provider []string
}

// Network is a backend network held by the in-memory connector.
type Network struct {
	ID        string
	Name      string
	Class     NetworkClass
	IPProfile *IPProfile
}

// VM is a backend VM held by the in-memory connector.
type VM struct {
	ID      string
	Request VMRequest
}

// Memory is a thread-safe Connector backed by maps. It is the reference
// backend used by tests and dry-run deployments.
type Memory struct {
	name    string
	latency time.Duration

	mu         sync.Mutex
	seq        int
	networks   map[string]Network
	vms        map[string]VM
	failCreate map[string]error
	failDelete map[string]error
	calls      []string
}

// NewMemory builds an empty in-memory connector.
func NewMemory(name string, opts MemoryOptions) *Memory {
	m := &Memory{
		name:       name,
		latency:    opts.Latency,
		networks:   make(map[string]Network),
		vms:        make(map[string]VM),
		failCreate: make(map[string]error),
		failDelete: make(map[string]error),
	}
	for _, n := range opts.FailCreate {
		m.failCreate[n] = Backend("create", "injected failure creating %s", n)
	}
	for _, id := range opts.Provider {
		m.networks[id] = Network{ID: id, Name: id, Class: ClassBridge}
	}
	return m
}

// NewMemoryFromSettings is the registry factory for MemoryType. Supported
// options are "latency" (a Go duration), "fail_create" (comma separated
// resource names) and "provider_networks" (comma separated network ids).
func NewMemoryFromSettings(settings Settings) (Connector, error) {
	opts := MemoryOptions{}
	if raw := strings.TrimSpace(settings.Options["latency"]); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid latency option %q: %w", raw, err)
		}
		opts.Latency = d
	}
	opts.FailCreate = splitList(settings.Options["fail_create"])
	opts.Provider = splitList(settings.Options["provider_networks"])
	return NewMemory(settings.Datacenter, opts), nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FailCreate makes the next creations of the named resource fail with err.
// A nil err clears the injection.
func (m *Memory) FailCreate(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failCreate, name)
		return
	}
	m.failCreate[name] = err
}

// FailDelete makes deletions of the resource id fail with err.
// A nil err clears the injection.
func (m *Memory) FailDelete(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failDelete, id)
		return
	}
	m.failDelete[id] = err
}

func (m *Memory) wait(ctx context.Context, op string) error {
	if m.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return Connectivity(op, err)
		}
		return nil
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Connectivity(op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *Memory) nextID(kind string) string {
	m.seq++
	prefix := m.name
	if prefix == "" {
		prefix = "mem"
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, kind, m.seq)
}

// CreateNetwork implements Connector.
func (m *Memory) CreateNetwork(ctx context.Context, name string, class NetworkClass, profile *IPProfile) (string, error) {
	const op = "create network"
	if err := m.wait(ctx, op); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+name)

	if err, ok := m.failCreate[name]; ok {
		return "", err
	}
	for _, n := range m.networks {
		if n.Name == name {
			return "", Conflict(op, "network %q already exists as %s", name, n.ID)
		}
	}

	id := m.nextID("net")
	var copied *IPProfile
	if profile != nil {
		p := *profile
		copied = &p
	}
	m.networks[id] = Network{ID: id, Name: name, Class: class, IPProfile: copied}
	return id, nil
}

// DeleteNetwork implements Connector.
func (m *Memory) DeleteNetwork(ctx context.Context, id string) error {
	const op = "delete network"
	if err := m.wait(ctx, op); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+id)

	if err, ok := m.failDelete[id]; ok {
		return err
	}
	if _, ok := m.networks[id]; !ok {
		return NotFound(op, "network %s not found", id)
	}
	for _, vm := range m.vms {
		for _, iface := range vm.Request.Interfaces {
			if iface.NetID == id {
				return Conflict(op, "network %s in use by vm %s", id, vm.ID)
			}
		}
	}
	delete(m.networks, id)
	return nil
}

// CreateVM implements Connector.
func (m *Memory) CreateVM(ctx context.Context, req VMRequest) (string, error) {
	const op = "create vm"
	if err := m.wait(ctx, op); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+req.Name)

	if err, ok := m.failCreate[req.Name]; ok {
		return "", err
	}
	for _, iface := range req.Interfaces {
		if iface.NetID == "" {
			continue
		}
		if _, ok := m.networks[iface.NetID]; !ok {
			return "", NotFound(op, "network %s for interface %s not found", iface.NetID, iface.Name)
		}
	}

	id := m.nextID("vm")
	stored := req
	stored.Interfaces = append([]Interface(nil), req.Interfaces...)
	m.vms[id] = VM{ID: id, Request: stored}
	return id, nil
}

// DeleteVM implements Connector.
func (m *Memory) DeleteVM(ctx context.Context, id string) error {
	const op = "delete vm"
	if err := m.wait(ctx, op); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+id)

	if err, ok := m.failDelete[id]; ok {
		return err
	}
	if _, ok := m.vms[id]; !ok {
		return NotFound(op, "vm %s not found", id)
	}
	delete(m.vms, id)
	return nil
}

// Networks returns the live networks sorted by id.
func (m *Memory) Networks() []Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Network, 0, len(m.networks))
	for _, n := range m.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VMs returns the live VMs sorted by id.
func (m *Memory) VMs() []VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VM, 0, len(m.vms))
	for _, v := range m.vms {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns the ordered log of connector invocations.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
