package config

import (
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/nfvo/internal/topology"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// Scenario descriptor versions.
const (
	ScenarioV01 = "0.1"
	ScenarioV03 = "0.3"
)

// Node types of the 0.1 form.
const (
	NodeVNF             = "VNF"
	NodeNetwork         = "network"
	NodeExternalNetwork = "external_network"
	NodeDataplaneNet    = "dataplane_net"
	NodeBridgeNet       = "bridge_net"
	ConnectionLink      = "link"
)

// Scenario is a service topology. Version 0.1 wires functions with
// connection statements between nodes; version 0.3 lists network members.
type Scenario struct {
	Version     string         `yaml:"version" validate:"required,oneof=0.1 0.3"`
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Catalog     map[string]VNF `yaml:"catalog" validate:"required,min=1,dive"`

	Nodes       map[string]Node           `yaml:"nodes" validate:"dive"`
	Connections map[string]ConnectionSpec `yaml:"connections" validate:"dive"`

	VNFs     map[string]VNFRef      `yaml:"vnfs" validate:"dive"`
	Networks map[string]NetworkSpec `yaml:"networks" validate:"dive"`
}

// VNF is a catalog entry: the VMs making up one network function.
type VNF struct {
	Description string `yaml:"description"`
	VMs         []VM   `yaml:"vms" validate:"required,min=1,dive"`
}

// VM is one virtual machine of a VNF.
type VM struct {
	Name        string           `yaml:"name" validate:"required"`
	Description string           `yaml:"description"`
	Image       string           `yaml:"image" validate:"required"`
	Flavor      string           `yaml:"flavor" validate:"required"`
	BootData    *vim.CloudConfig `yaml:"boot_data"`
	Disks       []vim.Disk       `yaml:"disks" validate:"dive"`
	Interfaces  []InterfaceSpec  `yaml:"interfaces" validate:"dive"`
}

// InterfaceSpec declares one VM interface.
type InterfaceSpec struct {
	Name         string `yaml:"name" validate:"required"`
	Class        string `yaml:"class" validate:"required,oneof=mgmt bridge data"`
	Type         string `yaml:"type" validate:"omitempty,oneof=virtual PF VF VFnotShared"`
	Model        string `yaml:"model"`
	MAC          string `yaml:"mac" validate:"omitempty,mac"`
	VPCI         string `yaml:"vpci"`
	PortSecurity *bool  `yaml:"port_security"`
	FloatingIP   *bool  `yaml:"floating_ip"`
	ExternalName string `yaml:"external_name"`
}

// Node is a 0.1 topology node: a VNF instance or a declared network.
type Node struct {
	Type string `yaml:"type" validate:"required,oneof=VNF network external_network dataplane_net bridge_net"`
	VNF  string `yaml:"vnf"`
}

// ConnectionSpec is a 0.1 connection statement. Each entry of Nodes maps a
// node name to one of its interfaces; network nodes ignore the interface.
type ConnectionSpec struct {
	Type  string              `yaml:"type" validate:"omitempty,oneof=link external_network dataplane_net bridge_net"`
	Nodes []map[string]string `yaml:"nodes" validate:"required,min=1"`
}

// VNFRef is a 0.3 function instance.
type VNFRef struct {
	VNF string `yaml:"vnf" validate:"required"`
}

// NetworkSpec is a 0.3 network with its member interfaces.
type NetworkSpec struct {
	Type           string          `yaml:"type" validate:"omitempty,oneof=bridge data ptp e-line e-lan"`
	Implementation string          `yaml:"implementation" validate:"omitempty,oneof=overlay underlay"`
	External       bool            `yaml:"external"`
	Interfaces     []NetworkMember `yaml:"interfaces" validate:"dive"`
}

// NetworkMember attaches one function interface to a 0.3 network.
type NetworkMember struct {
	VNF       string `yaml:"vnf" validate:"required"`
	Interface string `yaml:"vnf_interface" validate:"required"`
	IPAddress string `yaml:"ip_address" validate:"omitempty,ip"`
}

// FunctionInstance is a named instance of a catalog VNF.
type FunctionInstance struct {
	ID      string
	VNFName string
	VNF     VNF
}

// ValidateScenario performs schema and cross-field validation.
func ValidateScenario(sc *Scenario) error {
	if sc == nil {
		return nfvoerrors.NewValidationError("scenario", "scenario is nil", nil)
	}
	if err := validatorInstance().Struct(sc); err != nil {
		return convertValidationError(err)
	}

	for _, name := range sortedKeys(sc.Catalog) {
		if err := validateVNF(name, sc.Catalog[name]); err != nil {
			return err
		}
	}

	switch sc.Version {
	case ScenarioV01:
		if len(sc.VNFs) > 0 || len(sc.Networks) > 0 {
			return nfvoerrors.NewValidationError("version", "version 0.1 uses nodes and connections, not vnfs and networks", nil)
		}
		if len(sc.Nodes) == 0 {
			return nfvoerrors.NewValidationError("nodes", "at least one node is required", nil)
		}
		for _, name := range sortedKeys(sc.Nodes) {
			node := sc.Nodes[name]
			if node.Type != NodeVNF {
				continue
			}
			if _, ok := sc.Catalog[node.VNF]; !ok {
				return nfvoerrors.NewValidationError(fmt.Sprintf("nodes.%s.vnf", name), fmt.Sprintf("references unknown vnf %q", node.VNF), nil)
			}
		}
	case ScenarioV03:
		if len(sc.Nodes) > 0 || len(sc.Connections) > 0 {
			return nfvoerrors.NewValidationError("version", "version 0.3 uses vnfs and networks, not nodes and connections", nil)
		}
		if len(sc.VNFs) == 0 {
			return nfvoerrors.NewValidationError("vnfs", "at least one vnf is required", nil)
		}
		for _, name := range sortedKeys(sc.VNFs) {
			if _, ok := sc.Catalog[sc.VNFs[name].VNF]; !ok {
				return nfvoerrors.NewValidationError(fmt.Sprintf("vnfs.%s.vnf", name), fmt.Sprintf("references unknown vnf %q", sc.VNFs[name].VNF), nil)
			}
		}
	}
	return nil
}

func validateVNF(name string, vnf VNF) error {
	vms := make(map[string]struct{}, len(vnf.VMs))
	ifaces := make(map[string]struct{})
	for i, vm := range vnf.VMs {
		if _, dup := vms[vm.Name]; dup {
			return nfvoerrors.NewValidationError(fmt.Sprintf("catalog.%s.vms[%d].name", name, i), fmt.Sprintf("duplicate vm name %q", vm.Name), nil)
		}
		vms[vm.Name] = struct{}{}
		for j, iface := range vm.Interfaces {
			if _, dup := ifaces[iface.Name]; dup {
				return nfvoerrors.NewValidationError(fmt.Sprintf("catalog.%s.vms[%d].interfaces[%d].name", name, i, j),
					fmt.Sprintf("interface name %q already used in vnf %q", iface.Name, name), nil)
			}
			ifaces[iface.Name] = struct{}{}
		}
	}
	return nil
}

// Functions lists the function instances sorted by id.
func (sc *Scenario) Functions() []FunctionInstance {
	var out []FunctionInstance
	switch sc.Version {
	case ScenarioV01:
		for _, name := range sortedKeys(sc.Nodes) {
			node := sc.Nodes[name]
			if node.Type == NodeVNF {
				out = append(out, FunctionInstance{ID: name, VNFName: node.VNF, VNF: sc.Catalog[node.VNF]})
			}
		}
	case ScenarioV03:
		for _, name := range sortedKeys(sc.VNFs) {
			ref := sc.VNFs[name]
			out = append(out, FunctionInstance{ID: name, VNFName: ref.VNF, VNF: sc.Catalog[ref.VNF]})
		}
	}
	return out
}

// TopologyInput converts the descriptor into resolver input. mgmt names the
// network receiving unattached management interfaces.
func (sc *Scenario) TopologyInput(mgmt string) topology.Input {
	in := topology.Input{ManagementNetwork: mgmt}
	for _, fn := range sc.Functions() {
		f := topology.Function{ID: fn.ID}
		for _, vm := range fn.VNF.VMs {
			for _, iface := range vm.Interfaces {
				f.Interfaces = append(f.Interfaces, topology.Interface{Name: iface.Name, Class: topology.Class(iface.Class)})
			}
		}
		in.Functions = append(in.Functions, f)
	}

	switch sc.Version {
	case ScenarioV01:
		sc.v01Topology(&in)
	case ScenarioV03:
		sc.v03Topology(&in)
	}
	return in
}

func (sc *Scenario) v01Topology(in *topology.Input) {
	for _, name := range sortedKeys(sc.Nodes) {
		node := sc.Nodes[name]
		if node.Type == NodeVNF {
			continue
		}
		in.Networks = append(in.Networks, nodeNetwork(name, node.Type))
	}

	for _, name := range sortedKeys(sc.Connections) {
		spec := sc.Connections[name]
		conn := topology.Connection{Name: name}
		if spec.Type != "" && spec.Type != ConnectionLink {
			in.Networks = append(in.Networks, nodeNetwork(name, spec.Type))
			conn.Networks = append(conn.Networks, name)
		}
		for _, entry := range spec.Nodes {
			for _, nodeName := range sortedKeys(entry) {
				node, known := sc.Nodes[nodeName]
				if known && node.Type != NodeVNF {
					conn.Networks = append(conn.Networks, nodeName)
					continue
				}
				conn.Members = append(conn.Members, topology.Endpoint{Function: nodeName, Interface: entry[nodeName]})
			}
		}
		in.Connections = append(in.Connections, conn)
	}
}

func nodeNetwork(name, nodeType string) topology.Network {
	n := topology.Network{Name: name}
	switch nodeType {
	case NodeExternalNetwork:
		n.External = true
	case NodeDataplaneNet:
		n.Type = topology.TypeData
	case NodeBridgeNet:
		n.Type = topology.TypeBridge
	}
	return n
}

func (sc *Scenario) v03Topology(in *topology.Input) {
	for _, name := range sortedKeys(sc.Networks) {
		spec := sc.Networks[name]
		n := topology.Network{
			Name:           name,
			External:       spec.External,
			Type:           topology.NetworkType(spec.Type),
			Implementation: topology.Implementation(spec.Implementation),
		}
		for _, m := range spec.Interfaces {
			n.Members = append(n.Members, topology.Endpoint{Function: m.VNF, Interface: m.Interface})
		}
		in.Networks = append(in.Networks, n)
	}
}

// MemberIPAddress returns the fixed IP address a 0.3 network assigns to an
// interface, if any.
func (sc *Scenario) MemberIPAddress(network string, ep topology.Endpoint) string {
	spec, ok := sc.Networks[network]
	if !ok {
		return ""
	}
	for _, m := range spec.Interfaces {
		if m.VNF == ep.Function && m.Interface == ep.Interface {
			return m.IPAddress
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
