package discovery

import (
	"context"
	"sync"
)

// StaticSource is an in-memory Source/Publisher for tests and single-host
// development setups.
type StaticSource struct {
	mu      sync.Mutex
	records map[string]Record // nodeID/planeID -> record
	err     error
}

func NewStaticSource() *StaticSource {
	return &StaticSource{records: make(map[string]Record)}
}

// Fail makes every subsequent call return err (nil restores service).
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Records(_ context.Context, planeID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Record
	for _, rec := range s.records {
		if rec.PlaneID == planeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *StaticSource) Publish(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records[rec.NodeID+"/"+rec.PlaneID] = rec
	return nil
}
