// Package topology collapses connection statements between function
// interfaces into the minimal set of logical networks and infers the
// transport class of each one.
package topology

import "sort"

// Class is the declared class of a function interface.
type Class string

const (
	ClassMgmt   Class = "mgmt"
	ClassBridge Class = "bridge"
	ClassData   Class = "data"
)

func (c Class) valid() bool {
	return c == ClassMgmt || c == ClassBridge || c == ClassData
}

func (c Class) switched() bool {
	return c == ClassMgmt || c == ClassBridge
}

// Transport is the resolved transport class of a logical network.
type Transport string

const (
	TransportBridge Transport = "bridge"
	TransportData   Transport = "data"
	TransportPTP    Transport = "ptp"
)

// NetworkType is the optional explicit type of a declared network.
type NetworkType string

const (
	TypeAuto   NetworkType = ""
	TypeBridge NetworkType = "bridge"
	TypeData   NetworkType = "data"
	TypePTP    NetworkType = "ptp"
	TypeELine  NetworkType = "e-line"
	TypeELAN   NetworkType = "e-lan"
)

// Implementation is the optional overlay/underlay constraint of a declared
// network.
type Implementation string

const (
	ImplementationAny      Implementation = ""
	ImplementationOverlay  Implementation = "overlay"
	ImplementationUnderlay Implementation = "underlay"
)

// Endpoint identifies one interface of one function.
type Endpoint struct {
	Function  string
	Interface string
}

func (e Endpoint) String() string {
	return e.Function + ":" + e.Interface
}

func (e Endpoint) less(o Endpoint) bool {
	if e.Function != o.Function {
		return e.Function < o.Function
	}
	return e.Interface < o.Interface
}

// Interface is a declared interface of a function.
type Interface struct {
	Name  string
	Class Class
}

// Function is a network function instance with its interfaces.
type Function struct {
	ID         string
	Interfaces []Interface
}

// Network is an explicitly declared network. Members lists the interfaces the
// declaration itself attaches; connection statements may attach more.
type Network struct {
	Name           string
	External       bool
	Type           NetworkType
	Implementation Implementation
	Members        []Endpoint
}

// Connection is one statement joining interfaces, optionally onto declared
// networks.
type Connection struct {
	Name     string
	Members  []Endpoint
	Networks []string
}

// Input is the complete topology description of one service.
type Input struct {
	Functions   []Function
	Networks    []Network
	Connections []Connection
	// ManagementNetwork, when set, is the external network that receives
	// every management interface left unattached.
	ManagementNetwork string
}

// LogicalNetwork is one resolved network.
type LogicalNetwork struct {
	// Key is the declared network name, or net<N> for implicit networks.
	Key  string
	Name string
	// Members is sorted by function then interface.
	Members    []Endpoint
	Transport  Transport
	External   bool
	Declared   bool
	Management bool
	// Statements lists the connection statements merged into this network.
	Statements []string
}

// Result is the resolved topology.
type Result struct {
	Networks []LogicalNetwork
	// Bindings maps every attached interface to the key of its network.
	Bindings map[Endpoint]string
	// Unattached lists interfaces wired to no network, sorted.
	Unattached []Endpoint
}

// Network returns the logical network with the given key.
func (r *Result) Network(key string) (LogicalNetwork, bool) {
	for _, n := range r.Networks {
		if n.Key == key {
			return n, true
		}
	}
	return LogicalNetwork{}, false
}

// NetworkFor returns the logical network an interface is bound to.
func (r *Result) NetworkFor(e Endpoint) (LogicalNetwork, bool) {
	key, ok := r.Bindings[e]
	if !ok {
		return LogicalNetwork{}, false
	}
	return r.Network(key)
}

func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].less(eps[j]) })
}
