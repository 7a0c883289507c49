package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/nfvo/internal/topology"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

const (
	exampleScenario = "../../examples/scenario.yaml"
	exampleInstance = "../../examples/instance.yaml"
)

func writeSettings(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "nfvo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func labSettings(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := `store:
  path: ` + filepath.Join(dir, "state.json") + `
management_network: mgmt
datacenters:
  - name: lab
    type: memory
    tenant: admin
    management_network_id: mgmt-net-1
    options:
      provider_networks: mgmt-net-1,ext-net-1
`
	return writeSettings(t, dir, body), dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestResolveWithoutSettings(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	out, _, err := execute(t, "resolve", exampleScenario, "--config", missing)
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario lan-service: 2 networks")
	assert.Contains(t, out, "lan")
	assert.Contains(t, out, "fw1:eth1")
	assert.Contains(t, out, "Unattached: r1:mgmt0")
}

func TestResolveJSONUsesConfiguredManagementNetwork(t *testing.T) {
	t.Parallel()

	settings, _ := labSettings(t)
	out, _, err := execute(t, "resolve", exampleScenario, "--config", settings, "--json")
	require.NoError(t, err)

	var payload resolveJSONPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "lan-service", payload.Scenario)
	assert.Empty(t, payload.Unattached)

	keys := make(map[string]resolveJSONNetwork, len(payload.Networks))
	for _, n := range payload.Networks {
		keys[n.Key] = n
	}
	require.Contains(t, keys, "mgmt")
	assert.True(t, keys["mgmt"].Management)
	assert.Equal(t, []string{"r1:mgmt0"}, keys["mgmt"].Members)
	assert.True(t, keys["public"].External)
}

func TestResolveReportsTopologyErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	scenario := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(scenario, []byte(`version: "0.3"
name: broken
catalog:
  v:
    vms:
      - name: vm
        image: i
        flavor: f
        interfaces:
          - {name: p0, class: data}
vnfs:
  a: {vnf: v}
networks:
  n1:
    interfaces:
      - {vnf: a, vnf_interface: nope}
`), 0o600))

	_, _, err := execute(t, "resolve", scenario, "--config", filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, topology.ErrCodeUnknownReference, topology.CodeOf(err))
	assert.Contains(t, err.Error(), "nope")
}

func TestDeployListDelete(t *testing.T) {
	t.Parallel()

	settings, dir := labSettings(t)
	metricsFile := filepath.Join(dir, "metrics.prom")

	out, logs, err := execute(t, "deploy", exampleScenario, "-i", exampleInstance, "--config", settings, "--metrics-file", metricsFile)
	require.NoError(t, err, logs)
	assert.Contains(t, out, "Instance lan-1 deployed")
	assert.Contains(t, out, "network (existing)")
	assert.Contains(t, out, "ext-net-1")
	assert.Contains(t, logs, "deployment completed")

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `nfvo_deployments_total{result="success"} 1`)

	out, _, err = execute(t, "list", "--config", settings)
	require.NoError(t, err)
	assert.Contains(t, out, "lan-1")
	assert.Contains(t, out, "lan-service")
	assert.Contains(t, out, "active")

	// The memory backend of a new process no longer knows the resources.
	out, _, err = execute(t, "delete", "lan-1", "--config", settings)
	require.NoError(t, err)
	assert.Contains(t, out, "Instance lan-1 deleted.")
	assert.Contains(t, out, "Already absent")

	out, _, err = execute(t, "list", "--config", settings)
	require.NoError(t, err)
	assert.Contains(t, out, "No instances deployed.")
}

func TestDeployValidationFailure(t *testing.T) {
	t.Parallel()

	settings, dir := labSettings(t)
	instance := filepath.Join(dir, "instance.yaml")
	require.NoError(t, os.WriteFile(instance, []byte("name: lan-2\ndatacenter: nowhere\n"), 0o600))

	_, _, err := execute(t, "deploy", exampleScenario, "-i", instance, "--config", settings)
	var validationErr *nfvoerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "instance.datacenter", validationErr.Field)
}

func TestDeployRequiresInstance(t *testing.T) {
	t.Parallel()

	_, _, err := execute(t, "deploy", exampleScenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance")
}

func TestDeleteUnknownInstance(t *testing.T) {
	t.Parallel()

	settings, _ := labSettings(t)
	_, _, err := execute(t, "delete", "ghost", "--config", settings)
	var validationErr *nfvoerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "ghost")
}

func TestUnknownConnectorType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	settings := writeSettings(t, dir, `datacenters:
  - name: lab
    type: openstack
`)
	_, _, err := execute(t, "delete", "anything", "--config", settings)
	var validationErr *nfvoerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "datacenters[0].type", validationErr.Field)
}
