package sinks

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// InventoryFileSink maintains a JSON map of nodeID -> entry. Only entries
// for the configured plane are recorded, so the inventory lists each node
// once with its address on that plane.
type InventoryFileSink struct {
	mu      sync.Mutex
	path    string
	planeID string
}

func NewInventoryFileSink(path, planeID string) *InventoryFileSink {
	return &InventoryFileSink{path: path, planeID: planeID}
}

func (s *InventoryFileSink) Notify(e Entry) error {
	if e.PlaneID != s.planeID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := make(map[string]Entry)
	if b, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(b, &inv); err != nil {
			return fmt.Errorf("inventory %s: %w", s.path, err)
		}
	}
	inv[e.NodeID] = e
	return writeJSONAtomic(s.path, inv)
}

// TargetsFileSink maintains a Prometheus file_sd target list: one target
// group per node, labeled with node id and group.
type TargetsFileSink struct {
	mu      sync.Mutex
	path    string
	planeID string
	port    int
}

type targetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

func NewTargetsFileSink(path, planeID string, port int) *TargetsFileSink {
	return &TargetsFileSink{path: path, planeID: planeID, port: port}
}

func (s *TargetsFileSink) Notify(e Entry) error {
	if e.PlaneID != s.planeID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var groups []targetGroup
	if b, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(b, &groups); err != nil {
			return fmt.Errorf("targets %s: %w", s.path, err)
		}
	}

	tg := targetGroup{
		Targets: []string{fmt.Sprintf("%s:%d", e.Address, s.port)},
		Labels:  map[string]string{"node": e.NodeID, "group": e.Group},
	}
	replaced := false
	for i, g := range groups {
		if g.Labels["node"] == e.NodeID {
			groups[i] = tg
			replaced = true
			break
		}
	}
	if !replaced {
		groups = append(groups, tg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Labels["node"] < groups[j].Labels["node"] })
	return writeJSONAtomic(s.path, groups)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
