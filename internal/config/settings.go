package config

import (
	"fmt"

	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

// DefaultQueueCapacity is the per-worker queue size when none is configured.
const DefaultQueueCapacity = 2000

// Settings is the service configuration file.
type Settings struct {
	Log               LogSettings   `yaml:"log"`
	Store             StoreSettings `yaml:"store"`
	QueueCapacity     int           `yaml:"queue_capacity" validate:"min=1,max=100000"`
	ManagementNetwork string        `yaml:"management_network"`
	Datacenters       []Datacenter  `yaml:"datacenters" validate:"required,min=1,dive"`
}

// LogSettings configures the logger.
type LogSettings struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Human bool   `yaml:"human"`
}

// StoreSettings configures persistence. An empty path keeps state in memory.
type StoreSettings struct {
	Path string `yaml:"path"`
}

// Datacenter describes one backend and the tenant credentials used on it.
type Datacenter struct {
	Name                string            `yaml:"name" validate:"required"`
	ID                  string            `yaml:"id"`
	Type                string            `yaml:"type" validate:"required"`
	Tenant              string            `yaml:"tenant"`
	TenantID            string            `yaml:"tenant_id"`
	Default             bool              `yaml:"default"`
	ManagementNetworkID string            `yaml:"management_network_id"`
	Options             map[string]string `yaml:"options"`
}

func (s *Settings) applyDefaults() {
	if s.QueueCapacity == 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	for i := range s.Datacenters {
		dc := &s.Datacenters[i]
		if dc.ID == "" {
			dc.ID = dc.Name
		}
		if dc.TenantID == "" {
			dc.TenantID = dc.Tenant
		}
	}
	if len(s.Datacenters) == 1 {
		s.Datacenters[0].Default = true
	}
}

// ValidateSettings performs schema and cross-field validation.
func ValidateSettings(s *Settings) error {
	if s == nil {
		return nfvoerrors.NewValidationError("settings", "settings are nil", nil)
	}
	if err := validatorInstance().Struct(s); err != nil {
		return convertValidationError(err)
	}

	names := make(map[string]struct{}, len(s.Datacenters))
	ids := make(map[string]struct{}, len(s.Datacenters))
	defaults := 0
	for i, dc := range s.Datacenters {
		if _, dup := names[dc.Name]; dup {
			return nfvoerrors.NewValidationError(fieldForDatacenter(i, "name"), fmt.Sprintf("duplicate datacenter name %q", dc.Name), nil)
		}
		names[dc.Name] = struct{}{}

		key := dc.ID + "/" + dc.TenantID
		if _, dup := ids[key]; dup {
			return nfvoerrors.NewValidationError(fieldForDatacenter(i, "id"), fmt.Sprintf("datacenter %q and tenant %q configured twice", dc.ID, dc.TenantID), nil)
		}
		ids[key] = struct{}{}

		if dc.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return nfvoerrors.NewValidationError("datacenters", fmt.Sprintf("exactly one datacenter must be default, found %d", defaults), nil)
	}
	return nil
}

// DefaultDatacenter returns the datacenter marked default.
func (s *Settings) DefaultDatacenter() Datacenter {
	for _, dc := range s.Datacenters {
		if dc.Default {
			return dc
		}
	}
	if len(s.Datacenters) > 0 {
		return s.Datacenters[0]
	}
	return Datacenter{}
}

// Datacenter finds a datacenter by name; empty selects the default one.
func (s *Settings) Datacenter(name string) (Datacenter, bool) {
	if name == "" {
		dc := s.DefaultDatacenter()
		return dc, dc.Name != ""
	}
	for _, dc := range s.Datacenters {
		if dc.Name == name {
			return dc, true
		}
	}
	return Datacenter{}, false
}

func fieldForDatacenter(index int, field string) string {
	return fmt.Sprintf("datacenters[%d].%s", index, field)
}
