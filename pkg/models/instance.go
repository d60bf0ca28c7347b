package models

import (
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state of a managed instance
type InstanceStatus string

const (
	StatusAbsent     InstanceStatus = "absent"     // No backing engine object
	StatusCreating   InstanceStatus = "creating"   // Engine object being created
	StatusStarting   InstanceStatus = "starting"   // Start issued, not confirmed
	StatusRunning    InstanceStatus = "running"    // Engine object running
	StatusStopping   InstanceStatus = "stopping"   // Stop in progress
	StatusStopped    InstanceStatus = "stopped"    // Engine object exists, not running
	StatusRecreating InstanceStatus = "recreating" // Compound stop/remove/create in progress
	StatusFailed     InstanceStatus = "failed"     // Last transition could not complete
)

// Resources are the advisory limits passed to the engine on create.
// Enforcement happens inside the engine, not here.
type Resources struct {
	MemoryLimitMB   int64 `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	CPULimitPercent int64 `json:"cpu_limit_percent" yaml:"cpu_limit_percent"`
	DiskLimitMB     int64 `json:"disk_limit_mb" yaml:"disk_limit_mb"`
	SwapLimitMB     int64 `json:"swap_limit_mb" yaml:"swap_limit_mb"`
	IOWeight        int64 `json:"io_weight" yaml:"io_weight"`
}

// PortMapping binds one host address/port to a container port.
type PortMapping struct {
	HostIP        string `json:"host_ip" yaml:"host_ip"`
	HostPort      int    `json:"host_port" yaml:"host_port"`
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	Protocol      string `json:"protocol" yaml:"protocol"` // "tcp" or "udp"
	Primary       bool   `json:"primary" yaml:"primary"`
}

// ManagedInstance is one workload this host is responsible for. Name is the
// primary key and stays stable across recreation; EngineID is empty whenever
// no backing engine object exists.
type ManagedInstance struct {
	Name           string         `json:"name" yaml:"name"`
	EngineID       string         `json:"engine_id,omitempty" yaml:"engine_id,omitempty"`
	Image          string         `json:"image" yaml:"image"`
	StartupCommand string         `json:"startup_command,omitempty" yaml:"startup_command,omitempty"`
	StopCommand    string         `json:"stop_command,omitempty" yaml:"stop_command,omitempty"`
	Resources      Resources      `json:"resources" yaml:"resources"`
	PortMappings   []PortMapping  `json:"port_mappings" yaml:"port_mappings"`
	Status         InstanceStatus `json:"status" yaml:"status"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Clone returns an owned deep copy. The registry hands out clones only, so no
// caller can retain a reference into shared state across an engine call.
func (m *ManagedInstance) Clone() ManagedInstance {
	out := *m
	if m.PortMappings != nil {
		out.PortMappings = make([]PortMapping, len(m.PortMappings))
		copy(out.PortMappings, m.PortMappings)
	}
	return out
}

// HasEngineObject reports whether the record references a live engine object.
func (m *ManagedInstance) HasEngineObject() bool {
	return m.EngineID != ""
}

// PrimaryMapping returns the primary port mapping, if any.
func (m *ManagedInstance) PrimaryMapping() (PortMapping, bool) {
	for _, pm := range m.PortMappings {
		if pm.Primary {
			return pm, true
		}
	}
	return PortMapping{}, false
}

// Validate checks the structural invariants of a record: a non-empty name and
// image, at most one primary port mapping, mappings unique by
// (hostIP, hostPort, protocol) and a known protocol on every mapping.
func (m *ManagedInstance) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("instance name is required")
	}
	if m.Image == "" {
		return fmt.Errorf("instance %s: image is required", m.Name)
	}
	primaries := 0
	seen := make(map[string]bool, len(m.PortMappings))
	for _, pm := range m.PortMappings {
		if pm.Protocol != "tcp" && pm.Protocol != "udp" {
			return fmt.Errorf("instance %s: unknown protocol %q", m.Name, pm.Protocol)
		}
		if pm.HostPort <= 0 || pm.HostPort > 65535 {
			return fmt.Errorf("instance %s: invalid host port %d", m.Name, pm.HostPort)
		}
		if pm.ContainerPort <= 0 || pm.ContainerPort > 65535 {
			return fmt.Errorf("instance %s: invalid container port %d", m.Name, pm.ContainerPort)
		}
		key := fmt.Sprintf("%s:%d/%s", pm.HostIP, pm.HostPort, pm.Protocol)
		if seen[key] {
			return fmt.Errorf("instance %s: duplicate host binding %s", m.Name, key)
		}
		seen[key] = true
		if pm.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("instance %s: more than one primary port mapping", m.Name)
	}
	return nil
}
