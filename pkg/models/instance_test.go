package models

import "testing"

func testInstance() ManagedInstance {
	return ManagedInstance{
		Name:           "mc1",
		EngineID:       "abc123",
		Image:          "quay.io/games/minecraft:1.21",
		StartupCommand: "java -Xmx4G -jar server.jar",
		StopCommand:    "stop",
		Resources: Resources{
			MemoryLimitMB:   4096,
			CPULimitPercent: 200,
			DiskLimitMB:     10240,
			SwapLimitMB:     512,
			IOWeight:        500,
		},
		PortMappings: []PortMapping{
			{HostIP: "10.0.0.5", HostPort: 25565, ContainerPort: 25565, Protocol: "tcp", Primary: true},
			{HostIP: "10.0.0.5", HostPort: 25566, ContainerPort: 25566, Protocol: "udp"},
		},
		Status: StatusRunning,
	}
}

// TestClone_IsOwnedCopy verifies mutating a clone never leaks back into the
// original, including through the port mappings slice.
func TestClone_IsOwnedCopy(t *testing.T) {
	orig := testInstance()
	cp := orig.Clone()

	cp.EngineID = "other"
	cp.PortMappings[0].HostPort = 9999

	if orig.EngineID != "abc123" {
		t.Errorf("clone mutation leaked into original EngineID: %s", orig.EngineID)
	}
	if orig.PortMappings[0].HostPort != 25565 {
		t.Errorf("clone mutation leaked into original port mappings: %d", orig.PortMappings[0].HostPort)
	}
}

func TestValidate_AcceptsWellFormed(t *testing.T) {
	inst := testInstance()
	if err := inst.Validate(); err != nil {
		t.Fatalf("expected valid instance, got: %v", err)
	}
}

func TestValidate_RejectsTwoPrimaries(t *testing.T) {
	inst := testInstance()
	inst.PortMappings[1].Primary = true
	if err := inst.Validate(); err == nil {
		t.Error("expected error for two primary mappings")
	}
}

func TestValidate_RejectsDuplicateHostBinding(t *testing.T) {
	inst := testInstance()
	inst.PortMappings[1].HostPort = inst.PortMappings[0].HostPort
	inst.PortMappings[1].Protocol = "tcp"
	if err := inst.Validate(); err == nil {
		t.Error("expected error for duplicate (hostIP, hostPort)")
	}
}

func TestValidate_RejectsUnknownProtocol(t *testing.T) {
	inst := testInstance()
	inst.PortMappings[0].Protocol = "sctp"
	if err := inst.Validate(); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestPrimaryMapping(t *testing.T) {
	inst := testInstance()
	pm, ok := inst.PrimaryMapping()
	if !ok || pm.HostPort != 25565 {
		t.Errorf("expected primary mapping on 25565, got %+v (ok=%v)", pm, ok)
	}

	inst.PortMappings[0].Primary = false
	if _, ok := inst.PrimaryMapping(); ok {
		t.Error("expected no primary mapping")
	}
}
