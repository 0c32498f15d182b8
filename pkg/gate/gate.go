// Package gate implements the enrollment admission switch. The gate is a
// marker file plus in-memory state: presence of the marker means open,
// absence means closed, so a hub restart lands in whatever state the
// operator left it. An optional deadline auto-closes the gate so a
// deployment wave cannot be left open by accident.
package gate

import (
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Gate struct {
	mu       sync.Mutex
	path     string
	open     bool
	deadline time.Time // zero means no auto-close
}

// New loads gate state from the marker file at path.
func New(path string) *Gate {
	g := &Gate{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		return g
	}
	g.open = true
	if ts, perr := time.Parse(time.RFC3339, strings.TrimSpace(string(b))); perr == nil {
		g.deadline = ts
	}
	return g
}

// Open opens the gate with no deadline. Opening an open gate is a no-op,
// except that it clears any pending auto-close deadline.
func (g *Gate) Open() error {
	return g.openUntil(time.Time{})
}

// OpenFor opens the gate and schedules an auto-close after d.
func (g *Gate) OpenFor(d time.Duration) error {
	return g.openUntil(time.Now().Add(d))
}

func (g *Gate) openUntil(deadline time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	content := "open\n"
	if !deadline.IsZero() {
		content = deadline.UTC().Format(time.RFC3339) + "\n"
	}
	if err := os.WriteFile(g.path, []byte(content), 0o600); err != nil {
		return err
	}
	g.open = true
	g.deadline = deadline
	return nil
}

// Close closes the gate. Closing a closed gate is a no-op.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeLocked()
}

func (g *Gate) closeLocked() error {
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	g.open = false
	g.deadline = time.Time{}
	return nil
}

// Check reports whether enrollment is currently admitted. A passed deadline
// closes the gate as a side effect.
func (g *Gate) Check() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open && !g.deadline.IsZero() && time.Now().After(g.deadline) {
		if err := g.closeLocked(); err != nil {
			log.Printf("gate: auto-close failed: %v", err)
		} else {
			log.Printf("gate: deadline passed, closed")
		}
	}
	return g.open
}

// Deadline returns the pending auto-close time, zero if none.
func (g *Gate) Deadline() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deadline
}
