package multiagent

import (
	"testing"
	"time"

	"github.com/2389-research/agentmesh/internal/protocol"
)

func floatPtr(f float64) *float64 { return &f }

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "writer", Status: protocol.StatusAvailable})

	e, ok := r.Get("writer")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.Status.AgentID != "writer" {
		t.Errorf("AgentID = %q", e.Status.AgentID)
	}
}

func TestRegistry_Expiry(t *testing.T) {
	r, now := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable, Capabilities: []string{"research"}})

	if !r.Selectable("x") {
		t.Fatal("expected x to be selectable immediately after registration")
	}

	*now = now.Add(16 * time.Second)
	if r.Selectable("x") {
		t.Fatal("expected x to be unselectable after 16s without refresh")
	}
	if len(r.ListCapable("research")) != 0 {
		t.Fatal("expected ListCapable to exclude the expired entry")
	}
}

func TestRegistry_GCRemovesExpired(t *testing.T) {
	r, now := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable})
	*now = now.Add(20 * time.Second)

	r.GC()
	if r.Size() != 0 {
		t.Errorf("Size = %d, want 0 after GC of expired entry", r.Size())
	}
}

func TestRegistry_TombstoneImmediatelyUnselectable(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable})
	if !r.Selectable("x") {
		t.Fatal("expected selectable before tombstone")
	}

	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusUnavailable})
	if r.Selectable("x") {
		t.Fatal("expected unselectable immediately after unavailable status")
	}
}

func TestRegistry_ErrorHealthUnselectable(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable, Health: protocol.HealthError})
	if r.Selectable("x") {
		t.Fatal("expected error-health entry to be unselectable")
	}
}

func TestRegistry_ZeroLastUpdatedTreatedAsExpired(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.mu.Lock()
	r.entries["x"] = Entry{Status: protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable}}
	r.mu.Unlock()

	if r.Selectable("x") {
		t.Fatal("expected zero-value last-updated to be treated as expired")
	}
}

func TestRegistry_AvailableUnavailableAvailableConverges(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable})
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusUnavailable})
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable, Load: floatPtr(0.4)})

	e, ok := r.Get("x")
	if !ok {
		t.Fatal("expected entry present")
	}
	if e.Status.Status != protocol.StatusAvailable || e.Status.Load == nil || *e.Status.Load != 0.4 {
		t.Errorf("registry state = %+v, want converged to last processed message", e.Status)
	}
}

func TestFindBestAgentForCapability(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "b", Status: protocol.StatusAvailable, Capabilities: []string{"writing"}, Load: floatPtr(0.5)})
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "a", Status: protocol.StatusAvailable, Capabilities: []string{"writing"}, Load: floatPtr(0.2)})
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "c", Status: protocol.StatusAvailable, Capabilities: []string{"editing"}, Load: floatPtr(0.0)})

	e, ok := FindBestAgentForCapability(r, "writing")
	if !ok {
		t.Fatal("expected a match")
	}
	if e.Status.AgentID != "a" {
		t.Errorf("best agent = %q, want %q (lowest load)", e.Status.AgentID, "a")
	}
}

func TestFindBestAgentForCapability_TieBreaksByID(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "zebra", Status: protocol.StatusAvailable, Capabilities: []string{"writing"}, Load: floatPtr(0.3)})
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "apple", Status: protocol.StatusAvailable, Capabilities: []string{"writing"}, Load: floatPtr(0.3)})

	e, ok := FindBestAgentForCapability(r, "writing")
	if !ok || e.Status.AgentID != "apple" {
		t.Errorf("expected tie-break to prefer %q, got %q", "apple", e.Status.AgentID)
	}
}

func TestFindAgentByID_ExpiredNotSelectable(t *testing.T) {
	r, now := newTestRegistry(t)
	r.RegisterOrRefresh(protocol.AgentStatus{AgentID: "x", Status: protocol.StatusAvailable})
	*now = now.Add(16 * time.Second)

	if _, ok := FindAgentByID(r, "x"); ok {
		t.Fatal("expected expired agent to be unselectable via FindAgentByID")
	}
}
