package store

import (
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "portals.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s := testStore(t)
	if got := len(s.Portals()); got != 0 {
		t.Fatalf("expected empty store, got %d portals", got)
	}
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portals.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Add(Portal{
		Enabled: true,
		Name:    "alpha",
		URL:     "http://portal.example/portal.php",
		Macs:    []MacEntry{{Mac: "00:1A:79:00:00:01"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("Add returned empty id")
	}

	// Reopen and verify the portal round-tripped.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p, ok := s2.Portal(id)
	if !ok {
		t.Fatalf("portal %s missing after reload", id)
	}
	if p.Name != "alpha" || len(p.Macs) != 1 {
		t.Fatalf("unexpected portal after reload: %+v", p)
	}
	if p.CustomNames == nil || p.FallbackChannels == nil {
		t.Fatal("maps not defaulted on reload")
	}
}

func TestRotateMACMovesToTail(t *testing.T) {
	s := testStore(t)
	id, err := s.Add(Portal{
		Name: "p",
		Macs: []MacEntry{
			{Mac: "00:1A:79:00:00:01"},
			{Mac: "00:1A:79:00:00:02"},
			{Mac: "00:1A:79:00:00:03"},
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.RotateMAC(id, "00:1A:79:00:00:01"); err != nil {
		t.Fatalf("RotateMAC: %v", err)
	}
	p, _ := s.Portal(id)
	want := []string{"00:1A:79:00:00:02", "00:1A:79:00:00:03", "00:1A:79:00:00:01"}
	for i, m := range p.Macs {
		if m.Mac != want[i] {
			t.Fatalf("after rotate: pos %d = %s, want %s", i, m.Mac, want[i])
		}
	}

	// Rotating the tail is a no-op ordering-wise but must not error.
	if err := s.RotateMAC(id, "00:1A:79:00:00:01"); err != nil {
		t.Fatalf("RotateMAC tail: %v", err)
	}
	p, _ = s.Portal(id)
	if p.Macs[2].Mac != "00:1A:79:00:00:01" {
		t.Fatalf("tail rotate changed order: %+v", p.Macs)
	}
}

func TestRotateMACPreservesMultiset(t *testing.T) {
	s := testStore(t)
	id, _ := s.Add(Portal{Name: "p", Macs: []MacEntry{
		{Mac: "aa"}, {Mac: "bb"}, {Mac: "aa"},
	}})
	if err := s.RotateMAC(id, "aa"); err != nil {
		t.Fatalf("RotateMAC: %v", err)
	}
	p, _ := s.Portal(id)
	if len(p.Macs) != 3 {
		t.Fatalf("pool size changed: %d", len(p.Macs))
	}
	// Only the first matching entry moves.
	want := []string{"bb", "aa", "aa"}
	for i, m := range p.Macs {
		if m.Mac != want[i] {
			t.Fatalf("pos %d = %s, want %s", i, m.Mac, want[i])
		}
	}
}

func TestRotateMACUnknown(t *testing.T) {
	s := testStore(t)
	id, _ := s.Add(Portal{Name: "p", Macs: []MacEntry{{Mac: "aa"}}})
	if err := s.RotateMAC(id, "zz"); err == nil {
		t.Fatal("expected error for unknown MAC")
	}
	if err := s.RotateMAC("nope", "aa"); err == nil {
		t.Fatal("expected error for unknown portal")
	}
}

func TestSetMacExpiry(t *testing.T) {
	s := testStore(t)
	id, _ := s.Add(Portal{Name: "p", Macs: []MacEntry{{Mac: "aa"}}})
	if err := s.SetMacExpiry(id, "aa", "2026-12-31"); err != nil {
		t.Fatalf("SetMacExpiry: %v", err)
	}
	p, _ := s.Portal(id)
	if p.Macs[0].Expiry != "2026-12-31" {
		t.Fatalf("expiry not stored: %+v", p.Macs[0])
	}
}

func TestPortalsReturnsCopies(t *testing.T) {
	s := testStore(t)
	id, _ := s.Add(Portal{Name: "p", Macs: []MacEntry{{Mac: "aa"}}})
	got := s.Portals()
	got[0].Macs[0].Mac = "mutated"
	got[0].CustomNames["x"] = "y"
	p, _ := s.Portal(id)
	if p.Macs[0].Mac != "aa" || len(p.CustomNames) != 0 {
		t.Fatal("Portals leaked internal state")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portals.json")
	s, _ := Open(path)
	if _, err := s.Add(Portal{Name: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after save")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file missing: %v", err)
	}
}

func TestChannelHelpers(t *testing.T) {
	p := Portal{
		EnabledChannels: []string{"1", "7"},
		CustomNames:     map[string]string{"7": "Seven HD"},
	}
	if !p.ChannelEnabled("7") || p.ChannelEnabled("2") {
		t.Fatal("ChannelEnabled wrong")
	}
	if p.CustomName("7") != "Seven HD" || p.CustomName("1") != "" {
		t.Fatal("CustomName wrong")
	}
}
