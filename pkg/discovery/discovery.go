// Package discovery abstracts the external system of record that knows, for
// every node and plane, the node's current public key and overlay address.
// The convergence pass only reads it; enrolling nodes write their own
// records after generating keys.
package discovery

import (
	"context"
	"errors"
	"net/netip"
)

// ErrUnavailable reports that the source could not be reached at all. The
// caller leaves its state untouched and retries on the next cycle.
var ErrUnavailable = errors.New("discovery source unavailable")

// Record is one (node, plane) tuple as the source currently knows it.
type Record struct {
	NodeID    string     `json:"nodeId"`
	PlaneID   string     `json:"planeId"`
	PublicKey string     `json:"publicKey"`
	Address   netip.Addr `json:"address"`
	Group     string     `json:"group,omitempty"`
}

// Source is the read side. Records may return a subset of known nodes;
// nodes the source has not yet observed are simply absent.
type Source interface {
	Records(ctx context.Context, planeID string) ([]Record, error)
}

// Publisher is the write side used by enrolling nodes.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}
