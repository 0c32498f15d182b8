// Package sinks notifies downstream systems (inventory, metrics discovery)
// when a node is confirmed enrolled. Sinks are update-only key-value stores
// keyed by node id; failure to notify never fails the enrollment itself.
package sinks

import "net/netip"

// Entry is the record pushed to a sink after a successful enrollment.
type Entry struct {
	NodeID  string     `json:"nodeId"`
	Group   string     `json:"group,omitempty"`
	PlaneID string     `json:"planeId"`
	Address netip.Addr `json:"address"`
}

type Sink interface {
	Notify(e Entry) error
}

// Notify pushes e to every sink, logging failures via the returned slice.
// Callers treat errors as warnings.
func Notify(sinks []Sink, e Entry) []error {
	var errs []error
	for _, s := range sinks {
		if err := s.Notify(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
