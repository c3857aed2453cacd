package delivery

import (
	"testing"
	"time"

	"github.com/ashureev/chatwire/internal/domain"
)

func TestDeduperByID(t *testing.T) {
	t.Parallel()

	d := NewDeduper(0, 0)
	base := time.Unix(1_700_000_000, 0)
	m := domain.ChatMessage{ID: "a", Role: domain.RoleAssistant, Content: "x", Timestamp: base}
	if !d.Admit(m) {
		t.Fatal("first message should be admitted")
	}
	m.Content = "different content"
	m.Timestamp = base.Add(time.Hour)
	if d.Admit(m) {
		t.Fatal("repeated id should be rejected regardless of content")
	}
}

func TestDeduperContentWindow(t *testing.T) {
	t.Parallel()

	d := NewDeduper(2*time.Second, 10)
	base := time.Unix(1_700_000_000, 0)
	msg := func(id string, role domain.Role, conv string, at time.Duration) domain.ChatMessage {
		return domain.ChatMessage{ID: id, Role: role, Content: "hello", ConversationID: conv, Timestamp: base.Add(at)}
	}

	if !d.Admit(msg("1", domain.RoleAssistant, "c1", 0)) {
		t.Fatal("first message should be admitted")
	}
	if d.Admit(msg("2", domain.RoleAssistant, "c1", 1500*time.Millisecond)) {
		t.Fatal("same content within the window should be rejected")
	}
	if !d.Admit(msg("3", domain.RoleUser, "c1", 1500*time.Millisecond)) {
		t.Fatal("different role should be admitted")
	}
	if !d.Admit(msg("4", domain.RoleAssistant, "c2", 1500*time.Millisecond)) {
		t.Fatal("different conversation should be admitted")
	}
	if !d.Admit(msg("5", domain.RoleAssistant, "c1", 2*time.Second)) {
		t.Fatal("same content outside the window should be admitted")
	}
}

func TestDeduperIsBounded(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Millisecond, 3)
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"a", "b", "c", "d"} {
		d.Admit(domain.ChatMessage{ID: id, Content: id, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 remembered ids, got %d", d.Len())
	}
	if !d.Admit(domain.ChatMessage{ID: "a", Content: "a", Timestamp: base.Add(time.Minute)}) {
		t.Fatal("evicted id should be admitted again")
	}
}

func TestCompositeIDIsStable(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := CompositeID("c1", "hello", ts)
	if a != CompositeID("c1", "hello", ts.In(time.FixedZone("x", 3600))) {
		t.Fatal("composite id should not depend on time zone")
	}
	if a == CompositeID("c1", "hello", ts.Add(time.Second)) {
		t.Fatal("composite id should depend on timestamp")
	}
	if a == CompositeID("c2", "hello", ts) {
		t.Fatal("composite id should depend on conversation")
	}
}
