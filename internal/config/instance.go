package config

import (
	"fmt"

	"github.com/alexisbeaulieu97/nfvo/internal/vim"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// Instance requests the deployment of a scenario.
type Instance struct {
	Name        string                     `yaml:"name" validate:"required"`
	Description string                     `yaml:"description"`
	Datacenter  string                     `yaml:"datacenter"`
	CloudConfig *vim.CloudConfig           `yaml:"cloud-config"`
	Networks    map[string]InstanceNetwork `yaml:"networks" validate:"dive"`
	VNFs        map[string]InstanceVNF     `yaml:"vnfs" validate:"dive"`
}

// InstanceNetwork overrides the placement or addressing of one network.
type InstanceNetwork struct {
	Datacenter   string         `yaml:"datacenter"`
	VIMNetworkID string         `yaml:"vim-network-id"`
	IPProfile    *IPProfileSpec `yaml:"ip-profile"`
}

// IPProfileSpec is the addressing requested for a network.
type IPProfileSpec struct {
	IPVersion      string    `yaml:"ip-version" validate:"omitempty,oneof=IPv4 IPv6"`
	SubnetAddress  string    `yaml:"subnet-address" validate:"omitempty,cidr"`
	GatewayAddress string    `yaml:"gateway-address" validate:"omitempty,ip"`
	DNSAddress     string    `yaml:"dns-address" validate:"omitempty,ip"`
	DHCP           *DHCPSpec `yaml:"dhcp"`
}

// DHCPSpec configures DHCP on a network.
type DHCPSpec struct {
	Enabled      *bool  `yaml:"enabled"`
	StartAddress string `yaml:"start-address" validate:"omitempty,ip"`
	Count        int    `yaml:"count" validate:"gte=0"`
}

// InstanceVNF overrides the placement of one function.
type InstanceVNF struct {
	Datacenter string `yaml:"datacenter"`
}

// ValidateInstance performs schema validation.
func ValidateInstance(inst *Instance) error {
	if inst == nil {
		return nfvoerrors.NewValidationError("instance", "instance is nil", nil)
	}
	if err := validatorInstance().Struct(inst); err != nil {
		return convertValidationError(err)
	}
	for _, name := range sortedKeys(inst.Networks) {
		n := inst.Networks[name]
		if n.IPProfile != nil && n.IPProfile.SubnetAddress == "" {
			return nfvoerrors.NewValidationError(fmt.Sprintf("networks.%s.ip-profile.subnet-address", name), "subnet address is required when an ip profile is given", nil)
		}
	}
	return nil
}

// NetworkDatacenter returns the datacenter requested for a network, falling
// back to the instance datacenter.
func (inst *Instance) NetworkDatacenter(name string) string {
	if n, ok := inst.Networks[name]; ok && n.Datacenter != "" {
		return n.Datacenter
	}
	return inst.Datacenter
}

// VNFDatacenter returns the datacenter requested for a function, falling back
// to the instance datacenter.
func (inst *Instance) VNFDatacenter(id string) string {
	if v, ok := inst.VNFs[id]; ok && v.Datacenter != "" {
		return v.Datacenter
	}
	return inst.Datacenter
}
