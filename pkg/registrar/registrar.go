// Package registrar implements the gated, idempotent peer registration
// operation on the hub. Registration is best-effort acceleration: the
// convergence pass remains the source of truth, so nodes that fail to
// register here are picked up on the next cycle.
package registrar

import (
	"errors"
	"fmt"
	"log"
	"net/netip"

	"backplane/pkg/gate"
	"backplane/pkg/journal"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
	"backplane/pkg/sinks"
	"backplane/pkg/wireguard"
)

var (
	// ErrGateClosed reports registration outside an enrollment window.
	// Expected and frequent between deployment waves; not an alarm.
	ErrGateClosed = errors.New("enrollment gate closed")

	// ErrInvalidPeer reports a malformed key or out-of-subnet address.
	// Caller error, never retried.
	ErrInvalidPeer = errors.New("invalid peer")
)

// Registration is one node's request to join one plane.
type Registration struct {
	NodeID           string     `json:"nodeId"`
	Group            string     `json:"group,omitempty"`
	Index            int        `json:"index"`
	PublicKey        string     `json:"publicKey"`
	AllowedAddress   netip.Addr `json:"allowedAddress"`
	KeepaliveSeconds int        `json:"keepaliveSeconds,omitempty"`
}

type Registrar struct {
	store *planestore.Store
	gate  *gate.Gate

	// Optional collaborators; nil values are skipped.
	Journal    *journal.Journal
	Sinks      []sinks.Sink
	OnEnrolled func(planeID string, reg Registration)
}

func New(store *planestore.Store, g *gate.Gate) *Registrar {
	return &Registrar{store: store, gate: g}
}

// Register adds or updates one peer in one plane. Re-registering with
// identical values is a pure no-op; nodes rely on that and retry on every
// boot. A reload failure is reported as a warning only: the table is the
// intended state and the interface self-heals on the next reload.
func (r *Registrar) Register(planeID string, reg Registration) error {
	if !r.gate.Check() {
		log.Printf("registrar: plane %s node %s: %v", planeID, reg.NodeID, ErrGateClosed)
		return ErrGateClosed
	}

	plane, err := r.store.Load(planeID)
	if err != nil {
		return err
	}
	if err := validate(plane, reg); err != nil {
		return err
	}

	ka := reg.KeepaliveSeconds
	if ka <= 0 {
		ka = model.DefaultKeepaliveSeconds
	}
	rec := model.PeerRecord{
		PlaneID:          planeID,
		NodeID:           reg.NodeID,
		PublicKey:        reg.PublicKey,
		AllowedAddress:   reg.AllowedAddress,
		KeepaliveSeconds: ka,
	}
	if err := r.store.UpsertPeer(planeID, rec); err != nil {
		return err
	}

	if err := r.store.Reload(planeID); err != nil {
		var re *planestore.ReloadError
		if errors.As(err, &re) {
			log.Printf("registrar: %v (table kept, will self-heal)", re)
		} else {
			return err
		}
	}

	log.Printf("registrar: plane %s registered node=%s addr=%s", planeID, reg.NodeID, reg.AllowedAddress)
	r.Journal.RecordRegistration(planeID, reg.NodeID, reg.PublicKey, reg.AllowedAddress.String(), reg.Index)
	for _, err := range sinks.Notify(r.Sinks, sinks.Entry{
		NodeID:  reg.NodeID,
		Group:   reg.Group,
		PlaneID: planeID,
		Address: reg.AllowedAddress,
	}) {
		log.Printf("registrar: sink notify failed for node %s: %v", reg.NodeID, err)
	}
	if r.OnEnrolled != nil {
		r.OnEnrolled(planeID, reg)
	}
	return nil
}

func validate(plane model.Plane, reg Registration) error {
	if err := wireguard.ValidateKey(reg.PublicKey); err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidPeer, err)
	}
	if !reg.AllowedAddress.IsValid() {
		return fmt.Errorf("%w: missing allowed address", ErrInvalidPeer)
	}
	if !plane.Subnet.Contains(reg.AllowedAddress) {
		return fmt.Errorf("%w: address %s outside plane subnet %s", ErrInvalidPeer, reg.AllowedAddress, plane.Subnet)
	}
	if reg.AllowedAddress == plane.HubAddress {
		return fmt.Errorf("%w: address %s is the hub address", ErrInvalidPeer, reg.AllowedAddress)
	}
	return nil
}
