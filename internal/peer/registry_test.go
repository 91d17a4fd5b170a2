package peer

import (
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

func testSession(peerClientID uuid.UUID) *Session {
	s := newSession(models.RoleProvider, true, nil)
	s.setExchangeID(uuid.New())
	s.setPeerClientID(peerClientID)
	return s
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	peerA, peerB := uuid.New(), uuid.New()
	a1, a2, b := testSession(peerA), testSession(peerA), testSession(peerB)
	for _, s := range []*Session{a1, a2, b} {
		r.Add(s)
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	if got, ok := r.Get(b.ExchangeID()); !ok || got != b {
		t.Errorf("Get(b) = %v, %v", got, ok)
	}

	ids := r.PeerClientIDs()
	slices.SortFunc(ids, func(x, y uuid.UUID) int { return compareIDs(x, y) })
	want := []uuid.UUID{peerA, peerB}
	slices.SortFunc(want, func(x, y uuid.UUID) int { return compareIDs(x, y) })
	if !slices.Equal(ids, want) {
		t.Errorf("PeerClientIDs = %v, want %v", ids, want)
	}

	// A stale session must not evict its replacement.
	r.Remove(b.ExchangeID(), a1)
	if _, ok := r.Get(b.ExchangeID()); !ok {
		t.Error("Remove with the wrong session dropped the entry")
	}
	r.Remove(b.ExchangeID(), b)
	if _, ok := r.Get(b.ExchangeID()); ok {
		t.Error("Remove left the entry in place")
	}

	snapshot := r.Snapshot()
	if len(snapshot) != 2 || snapshot[0].ExchangeID().String() > snapshot[1].ExchangeID().String() {
		t.Errorf("Snapshot = %v, want two sessions ordered by exchange id", snapshot)
	}

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len after CloseAll = %d", r.Len())
	}
	select {
	case <-a1.Done():
	default:
		t.Error("CloseAll did not close the sessions")
	}
}

func TestSessionUnknownPeerIsSkipped(t *testing.T) {
	r := NewRegistry()
	r.Add(testSession(uuid.Nil))
	if ids := r.PeerClientIDs(); len(ids) != 0 {
		t.Errorf("PeerClientIDs = %v, want none", ids)
	}
}

func compareIDs(a, b uuid.UUID) int {
	switch {
	case a.String() < b.String():
		return -1
	case a.String() > b.String():
		return 1
	}
	return 0
}

func TestStateString(t *testing.T) {
	if StatePolling.String() != "polling" || State(99).String() != "unknown" {
		t.Errorf("unexpected state names %q %q", StatePolling, State(99))
	}
}
