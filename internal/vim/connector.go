// Package vim defines the capability contract every virtual infrastructure
// manager plugin implements, together with the connector factory registry and
// an in-memory reference connector.
package vim

import "context"

// NetworkClass is the transport class requested for a backend network.
type NetworkClass string

const (
	// ClassBridge is an overlay, switched network.
	ClassBridge NetworkClass = "bridge"
	// ClassData is an underlay multi-point network for passthrough/SR-IOV interfaces.
	ClassData NetworkClass = "data"
	// ClassPTP is an underlay network with exactly two endpoints.
	ClassPTP NetworkClass = "ptp"
)

// IPProfile carries the IP parameters of a network.
type IPProfile struct {
	IPVersion        string `yaml:"ip-version,omitempty" json:"ip_version,omitempty"`
	SubnetAddress    string `yaml:"subnet-address,omitempty" json:"subnet_address,omitempty"`
	GatewayAddress   string `yaml:"gateway-address,omitempty" json:"gateway_address,omitempty"`
	DNSAddress       string `yaml:"dns-address,omitempty" json:"dns_address,omitempty"`
	DHCPEnabled      bool   `yaml:"-" json:"dhcp_enabled"`
	DHCPStartAddress string `yaml:"-" json:"dhcp_start_address,omitempty"`
	DHCPCount        int    `yaml:"-" json:"dhcp_count,omitempty"`
}

// Interface describes one VM network attachment.
type Interface struct {
	Name         string `json:"name"`
	NetID        string `json:"net_id,omitempty"`
	Type         string `json:"type"`
	Use          string `json:"use,omitempty"`
	Model        string `json:"model,omitempty"`
	MACAddress   string `json:"mac_address,omitempty"`
	VPCI         string `json:"vpci,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	PortSecurity *bool  `json:"port_security,omitempty"`
	FloatingIP   *bool  `json:"floating_ip,omitempty"`
}

// User is a cloud-init user entry.
type User struct {
	Name     string   `yaml:"name" json:"name"`
	KeyPairs []string `yaml:"key-pairs,omitempty" json:"key_pairs,omitempty"`
}

// ConfigFile is a file injected into the guest at boot.
type ConfigFile struct {
	Dest        string `yaml:"dest" json:"dest"`
	Content     string `yaml:"content" json:"content"`
	Encoding    string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	Permissions string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Owner       string `yaml:"owner,omitempty" json:"owner,omitempty"`
}

// CloudConfig is the cloud-init payload handed to the backend.
type CloudConfig struct {
	KeyPairs      []string     `yaml:"key-pairs,omitempty" json:"key_pairs,omitempty"`
	Users         []User       `yaml:"users,omitempty" json:"users,omitempty"`
	UserData      *string      `yaml:"user-data,omitempty" json:"user_data,omitempty"`
	BootDataDrive *bool        `yaml:"boot-data-drive,omitempty" json:"boot_data_drive,omitempty"`
	ConfigFiles   []ConfigFile `yaml:"config-files,omitempty" json:"config_files,omitempty"`
}

// Disk is an additional volume attached to a VM.
type Disk struct {
	ImageID string `yaml:"image_id,omitempty" json:"image_id,omitempty"`
	SizeGB  int    `yaml:"size" json:"size"`
}

// VMRequest bundles the arguments of a VM creation.
type VMRequest struct {
	Name        string
	Description string
	Start       bool
	ImageID     string
	FlavorID    string
	Interfaces  []Interface
	CloudConfig *CloudConfig
	Disks       []Disk
}

// Connector is the narrow capability interface consumed by backend workers.
// Implementations return *Error values so callers can tell not-found apart
// from other failures.
type Connector interface {
	CreateNetwork(ctx context.Context, name string, class NetworkClass, profile *IPProfile) (string, error)
	DeleteNetwork(ctx context.Context, id string) error
	CreateVM(ctx context.Context, req VMRequest) (string, error)
	DeleteVM(ctx context.Context, id string) error
}
