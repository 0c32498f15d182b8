package journal

import (
	"path/filepath"
	"testing"
)

func TestRegistrationRoundTrip(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	j.RecordRegistration("control", "node01", "pk", "10.78.0.2", 0)
	j.RecordReflection("control", 1, "ok")

	regs, err := j.Registrations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 1 {
		t.Fatalf("got %d registrations, want 1", len(regs))
	}
	if regs[0].Node != "node01" || regs[0].Address != "10.78.0.2" {
		t.Errorf("unexpected entry: %+v", regs[0])
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.RecordRegistration("control", "node01", "pk", "10.78.0.2", 0)
	j.RecordReflection("control", 0, "skipped")
	if _, err := j.Registrations(10); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}
