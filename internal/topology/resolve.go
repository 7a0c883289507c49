package topology

import (
	"fmt"
	"sort"
	"strings"
)

// connSet is a group of endpoints and declared networks that must end up on
// the same logical network.
type connSet struct {
	members    map[Endpoint]struct{}
	networks   map[string]struct{}
	statements []string
}

func newConnSet(statement string) *connSet {
	s := &connSet{
		members:  make(map[Endpoint]struct{}),
		networks: make(map[string]struct{}),
	}
	if statement != "" {
		s.statements = append(s.statements, statement)
	}
	return s
}

func (s *connSet) overlaps(o *connSet) bool {
	for e := range o.members {
		if _, ok := s.members[e]; ok {
			return true
		}
	}
	for n := range o.networks {
		if _, ok := s.networks[n]; ok {
			return true
		}
	}
	return false
}

func (s *connSet) absorb(o *connSet) {
	for e := range o.members {
		s.members[e] = struct{}{}
	}
	for n := range o.networks {
		s.networks[n] = struct{}{}
	}
	s.statements = append(s.statements, o.statements...)
}

func (s *connSet) sortedMembers() []Endpoint {
	out := make([]Endpoint, 0, len(s.members))
	for e := range s.members {
		out = append(out, e)
	}
	sortEndpoints(out)
	return out
}

func (s *connSet) sortedNetworks() []string {
	out := make([]string, 0, len(s.networks))
	for n := range s.networks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *connSet) sortedStatements() []string {
	out := append([]string(nil), s.statements...)
	sort.Strings(out)
	return out
}

// sortKey orders sets independently of input order.
func (s *connSet) sortKey() string {
	if nets := s.sortedNetworks(); len(nets) > 0 {
		return "0" + nets[0]
	}
	if members := s.sortedMembers(); len(members) > 0 {
		return "1" + members[0].String()
	}
	return "2"
}

// Resolve partitions the interfaces of in into logical networks. Any
// inconsistency is reported as an *Error and no network is produced.
func Resolve(in Input) (*Result, error) {
	classes, err := indexFunctions(in.Functions)
	if err != nil {
		return nil, err
	}
	declared, err := indexNetworks(in.Networks, classes)
	if err != nil {
		return nil, err
	}
	sets, err := buildSets(in, classes, declared)
	if err != nil {
		return nil, err
	}

	sets = merge(sets)
	sets, unattached := attachManagement(sets, in.Functions, classes, in.ManagementNetwork)

	sort.Slice(sets, func(i, j int) bool { return sets[i].sortKey() < sets[j].sortKey() })

	networks := make([]LogicalNetwork, 0, len(sets))
	for _, s := range sets {
		ln, err := materialize(s, classes, declared, in.ManagementNetwork)
		if err != nil {
			return nil, err
		}
		networks = append(networks, ln)
	}
	assignImplicitKeys(networks)
	sort.Slice(networks, func(i, j int) bool { return networks[i].Key < networks[j].Key })

	result := &Result{
		Networks:   networks,
		Bindings:   make(map[Endpoint]string),
		Unattached: unattached,
	}
	for _, n := range networks {
		for _, m := range n.Members {
			result.Bindings[m] = n.Key
		}
	}
	return result, nil
}

func indexFunctions(functions []Function) (map[Endpoint]Class, error) {
	classes := make(map[Endpoint]Class)
	seen := make(map[string]struct{}, len(functions))
	for _, fn := range functions {
		if fn.ID == "" {
			return nil, newError(ErrCodeMissingField, "", "function id is required")
		}
		if _, dup := seen[fn.ID]; dup {
			return nil, newError(ErrCodeDuplicateName, fn.ID, "function declared more than once")
		}
		seen[fn.ID] = struct{}{}

		for _, iface := range fn.Interfaces {
			if iface.Name == "" {
				return nil, newError(ErrCodeMissingField, fn.ID, "interface name is required")
			}
			ep := Endpoint{Function: fn.ID, Interface: iface.Name}
			if _, dup := classes[ep]; dup {
				return nil, newError(ErrCodeDuplicateName, fn.ID, "interface %q declared more than once", iface.Name)
			}
			if !iface.Class.valid() {
				return nil, newError(ErrCodeTypeMismatch, ep.String(), "unknown interface class %q", iface.Class)
			}
			classes[ep] = iface.Class
		}
	}
	return classes, nil
}

func indexNetworks(networks []Network, classes map[Endpoint]Class) (map[string]Network, error) {
	declared := make(map[string]Network, len(networks))
	for _, n := range networks {
		if n.Name == "" {
			return nil, newError(ErrCodeMissingField, "", "network name is required")
		}
		if _, dup := declared[n.Name]; dup {
			return nil, newError(ErrCodeDuplicateName, n.Name, "network declared more than once")
		}
		switch n.Type {
		case TypeAuto, TypeBridge, TypeData, TypePTP, TypeELine, TypeELAN:
		default:
			return nil, newError(ErrCodeTypeMismatch, n.Name, "unknown network type %q", n.Type)
		}
		switch n.Implementation {
		case ImplementationAny, ImplementationOverlay, ImplementationUnderlay:
		default:
			return nil, newError(ErrCodeTypeMismatch, n.Name, "unknown implementation %q", n.Implementation)
		}
		for _, m := range n.Members {
			if err := checkEndpoint(n.Name, m, classes); err != nil {
				return nil, err
			}
		}
		declared[n.Name] = n
	}
	return declared, nil
}

func checkEndpoint(statement string, ep Endpoint, classes map[Endpoint]Class) error {
	if ep.Function == "" || ep.Interface == "" {
		return newError(ErrCodeMissingField, statement, "member %q must name a function and an interface", ep.String())
	}
	if _, ok := classes[ep]; ok {
		return nil
	}
	for known := range classes {
		if known.Function == ep.Function {
			return newError(ErrCodeUnknownReference, statement, "function %q has no interface %q", ep.Function, ep.Interface)
		}
	}
	return newError(ErrCodeUnknownReference, statement, "unknown function %q", ep.Function)
}

func buildSets(in Input, classes map[Endpoint]Class, declared map[string]Network) ([]*connSet, error) {
	sets := make([]*connSet, 0, len(in.Networks)+len(in.Connections))

	for _, n := range in.Networks {
		s := newConnSet("")
		s.networks[n.Name] = struct{}{}
		if len(n.Members) > 0 {
			s.statements = append(s.statements, n.Name)
		}
		for _, m := range n.Members {
			s.members[m] = struct{}{}
		}
		sets = append(sets, s)
	}

	names := make(map[string]struct{}, len(in.Connections))
	for _, c := range in.Connections {
		if c.Name == "" {
			return nil, newError(ErrCodeMissingField, "", "connection name is required")
		}
		if _, dup := names[c.Name]; dup {
			return nil, newError(ErrCodeDuplicateName, c.Name, "connection declared more than once")
		}
		names[c.Name] = struct{}{}

		s := newConnSet(c.Name)
		for _, m := range c.Members {
			if err := checkEndpoint(c.Name, m, classes); err != nil {
				return nil, err
			}
			s.members[m] = struct{}{}
		}
		for _, netName := range c.Networks {
			if _, ok := declared[netName]; !ok {
				return nil, newError(ErrCodeUnknownReference, c.Name, "unknown network %q", netName)
			}
			s.networks[netName] = struct{}{}
		}
		if len(s.members)+len(s.networks) < 2 {
			return nil, newError(ErrCodeMissingField, c.Name, "connection must join at least two interfaces or attach an interface to a network")
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// merge unions overlapping sets until no two sets share a member or network.
func merge(sets []*connSet) []*connSet {
	for {
		i, j := findOverlap(sets)
		if i < 0 {
			return sets
		}
		sets[i].absorb(sets[j])
		sets = append(sets[:j], sets[j+1:]...)
	}
}

func findOverlap(sets []*connSet) (int, int) {
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			if sets[i].overlaps(sets[j]) {
				return i, j
			}
		}
	}
	return -1, -1
}

// attachManagement puts every unattached management interface on the
// management network when one is configured and returns the interfaces that
// remain unattached.
func attachManagement(sets []*connSet, functions []Function, classes map[Endpoint]Class, mgmt string) ([]*connSet, []Endpoint) {
	attached := make(map[Endpoint]struct{})
	for _, s := range sets {
		for e := range s.members {
			attached[e] = struct{}{}
		}
	}

	var loose []Endpoint
	for _, fn := range functions {
		for _, iface := range fn.Interfaces {
			ep := Endpoint{Function: fn.ID, Interface: iface.Name}
			if _, ok := attached[ep]; !ok {
				loose = append(loose, ep)
			}
		}
	}
	sortEndpoints(loose)

	var (
		mgmtSet    *connSet
		unattached []Endpoint
	)
	for _, ep := range loose {
		if mgmt == "" || classes[ep] != ClassMgmt {
			unattached = append(unattached, ep)
			continue
		}
		if mgmtSet == nil {
			for _, s := range sets {
				if _, ok := s.networks[mgmt]; ok {
					mgmtSet = s
					break
				}
			}
			if mgmtSet == nil {
				mgmtSet = newConnSet("")
				mgmtSet.networks[mgmt] = struct{}{}
				sets = append(sets, mgmtSet)
			}
		}
		mgmtSet.members[ep] = struct{}{}
	}
	return sets, unattached
}

func materialize(s *connSet, classes map[Endpoint]Class, declared map[string]Network, mgmt string) (LogicalNetwork, error) {
	members := s.sortedMembers()
	statements := s.sortedStatements()
	nets := s.sortedNetworks()

	if len(nets) > 1 {
		return LogicalNetwork{}, newError(ErrCodeDuplicateMembership, strings.Join(nets, ", "),
			"interfaces %s are connected both to network %q and network %q", joinEndpoints(members), nets[0], nets[1])
	}

	statement := strings.Join(statements, ", ")
	transport, err := classify(statement, members, classes)
	if err != nil {
		return LogicalNetwork{}, err
	}

	ln := LogicalNetwork{
		Members:    members,
		Statements: statements,
	}
	if len(nets) == 0 {
		ln.Name = statements[0]
		ln.Transport = transport
		return ln, nil
	}

	name := nets[0]
	ln.Key = name
	ln.Name = name
	ln.Management = name == mgmt

	decl, ok := declared[name]
	if !ok {
		// Implicit management network.
		ln.External = true
		ln.Transport = TransportBridge
		if transport != TransportBridge && len(members) > 0 {
			return LogicalNetwork{}, newError(ErrCodeClassMismatch, name, "management network only accepts mgmt or bridge interfaces")
		}
		return ln, nil
	}

	ln.Declared = true
	ln.External = decl.External
	if len(members) == 0 {
		ln.Transport = emptyTransport(decl)
		return ln, nil
	}
	ln.Transport, err = applyDeclaredType(decl, transport, len(members))
	if err != nil {
		return LogicalNetwork{}, err
	}
	return ln, nil
}

// classify infers the transport of a non-empty member set.
func classify(statement string, members []Endpoint, classes map[Endpoint]Class) (Transport, error) {
	var switched, data *Endpoint
	for i := range members {
		m := members[i]
		if classes[m].switched() {
			if switched == nil {
				switched = &m
			}
		} else if data == nil {
			data = &m
		}
	}
	if switched != nil && data != nil {
		return "", newError(ErrCodeClassMismatch, statement,
			"heterogeneous interface classes on one network: %s is %s but %s is %s",
			switched, classes[*switched], data, classes[*data])
	}
	switch {
	case data == nil:
		return TransportBridge, nil
	case len(members) == 2:
		return TransportPTP, nil
	default:
		return TransportData, nil
	}
}

func emptyTransport(n Network) Transport {
	switch {
	case n.Type == TypeData || n.Type == TypePTP:
		return TransportData
	case n.Implementation == ImplementationUnderlay:
		return TransportData
	default:
		return TransportBridge
	}
}

func applyDeclaredType(n Network, inferred Transport, count int) (Transport, error) {
	t := inferred
	switch n.Type {
	case TypeBridge:
		if t != TransportBridge {
			return "", newError(ErrCodeTypeMismatch, n.Name, "declared bridge but wired interfaces require %s", t)
		}
	case TypeData:
		if t == TransportBridge {
			return "", newError(ErrCodeTypeMismatch, n.Name, "declared data but wired interfaces are bridge class")
		}
		t = TransportData
	case TypePTP:
		if t == TransportBridge {
			return "", newError(ErrCodeTypeMismatch, n.Name, "declared ptp but wired interfaces are bridge class")
		}
		if count > 2 {
			return "", newError(ErrCodeTypeMismatch, n.Name, "ptp network admits two interfaces, %d wired", count)
		}
	case TypeELine:
		if count > 2 {
			return "", newError(ErrCodeTypeMismatch, n.Name, "e-line network admits two interfaces, %d wired", count)
		}
	case TypeELAN:
		if t == TransportPTP {
			t = TransportData
		}
	}

	switch n.Implementation {
	case ImplementationOverlay:
		if t != TransportBridge {
			return "", newError(ErrCodeTypeMismatch, n.Name, "overlay implementation but wired interfaces require %s", t)
		}
	case ImplementationUnderlay:
		if t == TransportBridge {
			return "", newError(ErrCodeTypeMismatch, n.Name, "underlay implementation but wired interfaces are bridge class")
		}
	}
	return t, nil
}

// assignImplicitKeys names implicit networks net0, net1... ordered by their
// smallest member, skipping keys already used by declared networks.
func assignImplicitKeys(networks []LogicalNetwork) {
	used := make(map[string]struct{})
	var implicit []int
	for i, n := range networks {
		if n.Key != "" {
			used[n.Key] = struct{}{}
			continue
		}
		implicit = append(implicit, i)
	}
	sort.Slice(implicit, func(a, b int) bool {
		return networks[implicit[a]].Members[0].less(networks[implicit[b]].Members[0])
	})

	next := 0
	for _, idx := range implicit {
		for {
			key := fmt.Sprintf("net%d", next)
			next++
			if _, taken := used[key]; !taken {
				networks[idx].Key = key
				break
			}
		}
	}
}

func joinEndpoints(eps []Endpoint) string {
	parts := make([]string, len(eps))
	for i, e := range eps {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
