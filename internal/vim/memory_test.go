package vim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNetworkLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMemory("dc1", MemoryOptions{})
	ctx := context.Background()

	id, err := m.CreateNetwork(ctx, "inst-net0", ClassBridge, &IPProfile{SubnetAddress: "10.0.0.0/24"})
	require.NoError(t, err)
	assert.Equal(t, "dc1-net-0001", id)

	_, err = m.CreateNetwork(ctx, "inst-net0", ClassBridge, nil)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	require.NoError(t, m.DeleteNetwork(ctx, id))
	err = m.DeleteNetwork(ctx, id)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemoryVMRequiresNetworks(t *testing.T) {
	t.Parallel()

	m := NewMemory("dc1", MemoryOptions{})
	ctx := context.Background()

	_, err := m.CreateVM(ctx, VMRequest{Name: "vm", Interfaces: []Interface{{Name: "eth0", NetID: "missing"}}})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	netID, err := m.CreateNetwork(ctx, "n", ClassData, nil)
	require.NoError(t, err)
	vmID, err := m.CreateVM(ctx, VMRequest{Name: "vm", Interfaces: []Interface{{Name: "eth0", NetID: netID}}})
	require.NoError(t, err)

	err = m.DeleteNetwork(ctx, netID)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	require.NoError(t, m.DeleteVM(ctx, vmID))
	require.NoError(t, m.DeleteNetwork(ctx, netID))
	assert.Empty(t, m.VMs())
	assert.Empty(t, m.Networks())
}

func TestMemoryFailureInjection(t *testing.T) {
	t.Parallel()

	m := NewMemory("dc1", MemoryOptions{FailCreate: []string{"bad"}})
	ctx := context.Background()

	_, err := m.CreateVM(ctx, VMRequest{Name: "bad"})
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))

	boom := errors.New("boom")
	m.FailDelete("x", boom)
	require.ErrorIs(t, m.DeleteVM(ctx, "x"), boom)
	m.FailDelete("x", nil)
	assert.True(t, IsNotFound(m.DeleteVM(ctx, "x")))
}

func TestMemoryLatencyHonoursContext(t *testing.T) {
	t.Parallel()

	m := NewMemory("dc1", MemoryOptions{Latency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateNetwork(ctx, "n", ClassBridge, nil)
	require.Error(t, err)
	assert.Equal(t, KindConnectivity, KindOf(err))
}

func TestMemoryFromSettings(t *testing.T) {
	t.Parallel()

	conn, err := NewMemoryFromSettings(Settings{Datacenter: "dc9", Options: map[string]string{
		"fail_create":       "a, b",
		"latency":           "1ms",
		"provider_networks": "ext-1,",
	}})
	require.NoError(t, err)
	m := conn.(*Memory)
	assert.Equal(t, time.Millisecond, m.latency)
	assert.Len(t, m.failCreate, 2)
	require.Len(t, m.Networks(), 1)
	assert.Equal(t, "ext-1", m.Networks()[0].ID)

	_, err = m.CreateVM(context.Background(), VMRequest{Name: "vm", Interfaces: []Interface{{Name: "eth0", NetID: "ext-1"}}})
	require.NoError(t, err)

	_, err = NewMemoryFromSettings(Settings{Options: map[string]string{"latency": "soon"}})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewDefaultRegistry()
	assert.Equal(t, []string{MemoryType}, r.Types())
	assert.True(t, r.Has(MemoryType))
	require.Error(t, r.Register(MemoryType, NewMemoryFromSettings))
	require.Error(t, r.Register("", NewMemoryFromSettings))
	require.Error(t, r.Register("x", nil))

	conn, err := r.New(MemoryType, Settings{Datacenter: "dc1"})
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = r.New("openstack", Settings{})
	require.Error(t, err)

	require.NoError(t, r.Register("broken", func(Settings) (Connector, error) { return nil, nil }))
	_, err = r.New("broken", Settings{})
	require.Error(t, err)
}
