package registry

import (
	"sync"
	"testing"

	"github.com/warden-sh/warden/pkg/models"
)

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := New()
	for _, name := range names {
		err := r.Insert(models.ManagedInstance{
			Name:   name,
			Image:  "games/minecraft:latest",
			Status: models.StatusAbsent,
			PortMappings: []models.PortMapping{
				{HostIP: "0.0.0.0", HostPort: 25565, ContainerPort: 25565, Protocol: "tcp", Primary: true},
			},
		})
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}
	return r
}

// TestGet_ReturnsOwnedCopy verifies that mutating what Get returned does not
// change the stored record.
func TestGet_ReturnsOwnedCopy(t *testing.T) {
	r := newTestRegistry(t, "mc1")

	got, ok := r.Get("mc1")
	if !ok {
		t.Fatal("expected mc1 to exist")
	}
	got.EngineID = "tampered"
	got.PortMappings[0].HostPort = 1

	again, _ := r.Get("mc1")
	if again.EngineID != "" {
		t.Errorf("stored EngineID mutated through a returned copy: %s", again.EngineID)
	}
	if again.PortMappings[0].HostPort != 25565 {
		t.Errorf("stored port mappings mutated through a returned copy: %d", again.PortMappings[0].HostPort)
	}
}

func TestInsert_RejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t, "mc1")
	err := r.Insert(models.ManagedInstance{Name: "mc1", Image: "x"})
	if err != ErrInstanceExists {
		t.Errorf("expected ErrInstanceExists, got %v", err)
	}
}

func TestMutate_UnknownName(t *testing.T) {
	r := New()
	_, err := r.Mutate("ghost", func(m *models.ManagedInstance) {})
	if err != ErrInstanceNotFound {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

// TestMutate_Concurrent hammers one record from many goroutines; the returned
// copies must each reflect a complete mutation, never a torn one.
func TestMutate_Concurrent(t *testing.T) {
	r := newTestRegistry(t, "mc1")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				updated, err := r.Mutate("mc1", func(m *models.ManagedInstance) {
					m.EngineID = "id"
					m.Status = models.StatusRunning
				})
				if err != nil {
					t.Errorf("mutate: %v", err)
					return
				}
				if updated.EngineID == "id" && updated.Status != models.StatusRunning {
					t.Error("observed torn mutation")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestAll_SortedAndOwned(t *testing.T) {
	r := newTestRegistry(t, "zulu", "alpha", "mike")

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(all))
	}
	if all[0].Name != "alpha" || all[1].Name != "mike" || all[2].Name != "zulu" {
		t.Errorf("expected sorted order, got %s %s %s", all[0].Name, all[1].Name, all[2].Name)
	}

	all[0].Image = "tampered"
	fresh, _ := r.Get("alpha")
	if fresh.Image != "games/minecraft:latest" {
		t.Error("All returned a live reference instead of a copy")
	}
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t, "mc1")
	r.Remove("mc1")
	if _, ok := r.Get("mc1"); ok {
		t.Error("expected mc1 to be gone")
	}
	r.Remove("mc1") // no-op
}

func TestCountByStatus(t *testing.T) {
	r := newTestRegistry(t, "a", "b", "c")
	r.Mutate("a", func(m *models.ManagedInstance) { m.Status = models.StatusRunning })
	r.Mutate("b", func(m *models.ManagedInstance) { m.Status = models.StatusRunning })

	counts := r.CountByStatus()
	if counts[models.StatusRunning] != 2 {
		t.Errorf("expected 2 running, got %d", counts[models.StatusRunning])
	}
	if counts[models.StatusAbsent] != 1 {
		t.Errorf("expected 1 absent, got %d", counts[models.StatusAbsent])
	}
}
