package gate

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enrollment-open")
	g := New(path)

	if g.Check() {
		t.Fatal("new gate should start closed")
	}
	for i := 0; i < 2; i++ {
		if err := g.Open(); err != nil {
			t.Fatal(err)
		}
	}
	if !g.Check() {
		t.Fatal("gate should be open")
	}
	for i := 0; i < 2; i++ {
		if err := g.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if g.Check() {
		t.Fatal("gate should be closed")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enrollment-open")
	g := New(path)
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}

	// A fresh Gate over the same marker file sees the open state.
	if !New(path).Check() {
		t.Error("marker file present but reloaded gate is closed")
	}

	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if New(path).Check() {
		t.Error("marker file removed but reloaded gate is open")
	}
}

func TestDeadlineAutoClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enrollment-open")
	g := New(path)
	if err := g.OpenFor(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !g.Check() {
		t.Fatal("gate should be open before the deadline")
	}
	time.Sleep(20 * time.Millisecond)
	if g.Check() {
		t.Fatal("gate should auto-close after the deadline")
	}
	// Marker is gone too, so a restart stays closed.
	if New(path).Check() {
		t.Error("auto-close left the marker file behind")
	}
}

func TestOpenClearsDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enrollment-open")
	g := New(path)
	if err := g.OpenFor(time.Hour); err != nil {
		t.Fatal(err)
	}
	if g.Deadline().IsZero() {
		t.Fatal("OpenFor should set a deadline")
	}
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	if !g.Deadline().IsZero() {
		t.Error("plain Open should clear the deadline")
	}
}
