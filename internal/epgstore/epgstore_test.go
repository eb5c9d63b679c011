package epgstore

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "epg.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReplaceAndSurviving(t *testing.T) {
	d := openTest(t)
	progs := []Programme{
		{Channel: "a", Start: "20260825060000 +0000", Stop: "20260825070000 +0000", Raw: "<programme>old</programme>"},
		{Channel: "a", Start: "20260827060000 +0000", Stop: "20260827070000 +0000", Raw: "<programme>new</programme>"},
		{Channel: "b", Start: "20260827080000 +0000", Stop: "20260827090000 +0000", Raw: "<programme>b</programme>"},
	}
	if err := d.Replace(progs); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	// Cutoff past the first programme's stop drops it.
	got, err := d.Surviving("20260826000000 +0000")
	if err != nil {
		t.Fatalf("Surviving: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d programmes, want 2", len(got))
	}
	if got[0].Channel != "a" || got[1].Channel != "b" {
		t.Fatalf("order wrong: %+v", got)
	}
}

func TestReplaceDeduplicatesByRaw(t *testing.T) {
	d := openTest(t)
	p := Programme{Channel: "a", Start: "20260827060000 +0000", Stop: "20260827070000 +0000", Raw: "<programme>x</programme>"}
	if err := d.Replace([]Programme{p, p, p}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := d.Surviving("")
	if err != nil {
		t.Fatalf("Surviving: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}

func TestReplaceClearsOldRows(t *testing.T) {
	d := openTest(t)
	if err := d.Replace([]Programme{{Channel: "a", Start: "1", Stop: "2", Raw: "one"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := d.Replace([]Programme{{Channel: "b", Start: "3", Stop: "4", Raw: "two"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := d.Surviving("")
	if err != nil {
		t.Fatalf("Surviving: %v", err)
	}
	if len(got) != 1 || got[0].Channel != "b" {
		t.Fatalf("old rows survived replace: %+v", got)
	}
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Replace([]Programme{{Channel: "a", Start: "1", Stop: "2", Raw: "x"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	d.Close()

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	got, err := d2.Surviving("")
	if err != nil {
		t.Fatalf("Surviving: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("programmes lost across reopen: %d", len(got))
	}
}
