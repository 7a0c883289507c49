package orchestrator

import (
	"fmt"
	"math/big"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/vim"
)

// MaxDHCPCount caps the default size of a DHCP range.
const MaxDHCPCount = 254

// NormalizeIPProfile completes a requested IP profile: the IP version follows
// the subnet, the gateway defaults to the first host, and when DHCP is enabled
// (the default) the range starts at the second host and spans the remaining
// hosts, capped at MaxDHCPCount. Every address must lie inside the subnet.
func NormalizeIPProfile(spec *config.IPProfileSpec) (*vim.IPProfile, error) {
	if spec == nil {
		return nil, nil
	}
	if spec.SubnetAddress == "" {
		return nil, fmt.Errorf("subnet address is required")
	}
	_, subnet, err := net.ParseCIDR(spec.SubnetAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet address %q: %w", spec.SubnetAddress, err)
	}

	version := "IPv6"
	if subnet.IP.To4() != nil {
		version = "IPv4"
	}
	if spec.IPVersion != "" && spec.IPVersion != version {
		return nil, fmt.Errorf("ip version %s does not match subnet %s", spec.IPVersion, subnet)
	}

	out := &vim.IPProfile{
		IPVersion:     version,
		SubnetAddress: subnet.String(),
		DNSAddress:    spec.DNSAddress,
		DHCPEnabled:   true,
	}

	gateway, err := addressIn(subnet, spec.GatewayAddress, 1, "gateway")
	if err != nil {
		return nil, err
	}
	out.GatewayAddress = gateway.String()

	var dhcp config.DHCPSpec
	if spec.DHCP != nil {
		dhcp = *spec.DHCP
	}
	if dhcp.Enabled != nil {
		out.DHCPEnabled = *dhcp.Enabled
	}
	if !out.DHCPEnabled {
		return out, nil
	}

	start, err := addressIn(subnet, dhcp.StartAddress, 2, "dhcp start")
	if err != nil {
		return nil, err
	}
	available := span(start, lastHost(subnet))
	count := int64(dhcp.Count)
	switch {
	case available <= 0:
		return nil, fmt.Errorf("dhcp start %s leaves no host addresses in %s", start, subnet)
	case count == 0:
		count = min(available, MaxDHCPCount)
	case count > available:
		return nil, fmt.Errorf("dhcp range of %d addresses from %s exceeds subnet %s", count, start, subnet)
	}

	end := offset(start, count-1)
	if inRange(gateway, start, end) {
		return nil, fmt.Errorf("dhcp range %s-%s includes gateway %s", start, end, gateway)
	}
	out.DHCPStartAddress = start.String()
	out.DHCPCount = int(count)
	return out, nil
}

// addressIn parses given, or picks host number def of the subnet when given is
// empty, and checks that the address belongs to the subnet.
func addressIn(subnet *net.IPNet, given string, def int, what string) (net.IP, error) {
	if given == "" {
		ip, err := cidr.Host(subnet, def)
		if err != nil {
			return nil, fmt.Errorf("subnet %s is too small for a default %s address: %w", subnet, what, err)
		}
		return ip, nil
	}
	ip := net.ParseIP(given)
	if ip == nil {
		return nil, fmt.Errorf("invalid %s address %q", what, given)
	}
	if !subnet.Contains(ip) {
		return nil, fmt.Errorf("%s address %s is outside subnet %s", what, ip, subnet)
	}
	return ip, nil
}

// lastHost returns the last assignable address; IPv4 subnets larger than a
// /31 lose their broadcast address.
func lastHost(subnet *net.IPNet) net.IP {
	_, last := cidr.AddressRange(subnet)
	if subnet.IP.To4() != nil && cidr.AddressCount(subnet) > 2 {
		last = cidr.Dec(last)
	}
	return last
}

func ipInt(ip net.IP) *big.Int {
	if v4 := ip.To4(); v4 != nil {
		return new(big.Int).SetBytes(v4)
	}
	return new(big.Int).SetBytes(ip.To16())
}

// span counts the addresses from a to b inclusive, saturating at MaxInt64.
func span(a, b net.IP) int64 {
	diff := new(big.Int).Sub(ipInt(b), ipInt(a))
	diff.Add(diff, big.NewInt(1))
	if diff.Sign() <= 0 {
		return 0
	}
	if !diff.IsInt64() {
		return int64(^uint64(0) >> 1)
	}
	return diff.Int64()
}

func offset(ip net.IP, n int64) net.IP {
	v := new(big.Int).Add(ipInt(ip), big.NewInt(n))
	size := net.IPv6len
	if ip.To4() != nil {
		size = net.IPv4len
	}
	buf := v.FillBytes(make([]byte, size))
	return net.IP(buf)
}

func inRange(ip, start, end net.IP) bool {
	v := ipInt(ip)
	return v.Cmp(ipInt(start)) >= 0 && v.Cmp(ipInt(end)) <= 0
}
