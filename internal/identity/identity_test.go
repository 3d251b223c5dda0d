package identity

import (
	"strings"
	"testing"

	"evalforms/engine/internal/util"
)

func TestIsServerBacked(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{util.NewHexID(), true},
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789ABCDEF0123456789ABCDEF", false},
		{"0123456789abcdef0123456789abcde", false},
		{"0123456789abcdef0123456789abcdef0", false},
		{"local-0b61a285-4c4e-4b9e-a2ff-aaaabbbbcccc", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsServerBacked(c.id); got != c.want {
			t.Errorf("IsServerBacked(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestNewLocalIDNeverServerBacked(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := NewLocalID()
		if !strings.HasPrefix(id, "local-") {
			t.Fatalf("local id %q missing prefix", id)
		}
		if IsServerBacked(id) {
			t.Fatalf("local id %q passes server check", id)
		}
	}
}

func TestSingleIdentityInvariant(t *testing.T) {
	m := NewManager()
	seen := func() string {
		id, _ := m.Current()
		if id == "" {
			t.Fatal("manager has no current id")
		}
		return id
	}

	first := seen()
	if got := m.Ensure(""); got != first {
		t.Fatalf("Ensure with no candidate changed id: %q -> %q", first, got)
	}

	serverID := util.NewHexID()
	if err := m.Promote(serverID); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if id, kind := m.Current(); id != serverID || kind != Server {
		t.Fatalf("after promote got (%q, %v)", id, kind)
	}

	// Promotion is one-way and at most once.
	if err := m.Promote(util.NewHexID()); err == nil {
		t.Fatal("second Promote succeeded")
	}
	if id, _ := m.Current(); id != serverID {
		t.Fatalf("failed promote changed current id to %q", id)
	}

	fresh := m.Demote()
	if id, kind := m.Current(); id != fresh || kind != Local {
		t.Fatalf("after demote got (%q, %v), want (%q, Local)", id, kind, fresh)
	}
	if IsServerBacked(fresh) {
		t.Fatalf("demoted id %q is server-format", fresh)
	}

	// A demoted manager may be promoted again for its new draft lifetime.
	if err := m.Promote(util.NewHexID()); err != nil {
		t.Fatalf("promote after demote failed: %v", err)
	}
}

func TestPromoteRejectsLocalFormat(t *testing.T) {
	m := NewManager()
	if err := m.Promote(NewLocalID()); err == nil {
		t.Fatal("Promote accepted a local-format id")
	}
}

func TestEnsureAdoptsServerCandidate(t *testing.T) {
	m := NewManager()
	serverID := util.NewHexID()
	if got := m.Ensure(serverID); got != serverID {
		t.Fatalf("Ensure returned %q, want %q", got, serverID)
	}
	if !m.ServerBacked() {
		t.Fatal("identity not server-backed after adopting server candidate")
	}
}

func TestEnsureAdoptsForeignLocalCandidate(t *testing.T) {
	m := NewManager()
	foreign := NewLocalID()
	if got := m.Ensure(foreign); got != foreign {
		t.Fatalf("Ensure returned %q, want %q", got, foreign)
	}
	if m.ServerBacked() {
		t.Fatal("local candidate produced server-backed identity")
	}
}
