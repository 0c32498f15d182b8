// Package reflector periodically rebuilds every plane's peer table from the
// discovery source. It is authoritative and unconditional: records added by
// the registrar that discovery has not yet observed are dropped and must be
// re-registered by the node's own retry logic. The registrar is best-effort
// acceleration; this pass is the correctness guarantee.
package reflector

import (
	"context"
	"fmt"
	"log"
	"time"

	"backplane/pkg/discovery"
	"backplane/pkg/journal"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
	"backplane/pkg/wireguard"
)

type Reflector struct {
	store  *planestore.Store
	source discovery.Source
	planes []string

	Interval time.Duration // cadence for Run; default 60s
	Timeout  time.Duration // per-plane discovery query budget; default 15s

	Journal     *journal.Journal
	OnReflected func(planeID string, peers int)
}

func New(store *planestore.Store, source discovery.Source, planes []string) *Reflector {
	return &Reflector{
		store:    store,
		source:   source,
		planes:   planes,
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
	}
}

// Run reflects all planes on a fixed cadence until ctx is canceled. The
// first cycle runs immediately.
func (r *Reflector) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	r.ReflectAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReflectAll(ctx)
		}
	}
}

// ReflectAll runs one cycle over every plane. Planes are independent: a
// failure on one does not roll back planes already completed in the cycle.
func (r *Reflector) ReflectAll(ctx context.Context) {
	for _, id := range r.planes {
		if err := r.ReflectPlane(ctx, id); err != nil {
			log.Printf("reflector: plane %s: %v", id, err)
		}
	}
}

// ReflectPlane makes one plane's peer table match the discovery source. If
// the source is unavailable the table is left untouched for this cycle. No
// plane lock is held while the source is queried.
func (r *Reflector) ReflectPlane(ctx context.Context, planeID string) error {
	plane, err := r.store.Load(planeID)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	found, err := r.source.Records(qctx, planeID)
	if err != nil {
		r.Journal.RecordReflection(planeID, 0, "discovery unavailable")
		return fmt.Errorf("skipping cycle: %w", err)
	}

	records := make([]model.PeerRecord, 0, len(found))
	for _, rec := range found {
		// The hub must never appear as its own peer.
		if rec.Address == plane.HubAddress || rec.PublicKey == plane.HubPublicKey {
			continue
		}
		if err := wireguard.ValidateKey(rec.PublicKey); err != nil {
			log.Printf("reflector: plane %s: skipping node %s: bad key: %v", planeID, rec.NodeID, err)
			continue
		}
		if !rec.Address.IsValid() || !plane.Subnet.Contains(rec.Address) {
			log.Printf("reflector: plane %s: skipping node %s: address %s outside %s", planeID, rec.NodeID, rec.Address, plane.Subnet)
			continue
		}
		records = append(records, model.PeerRecord{
			PlaneID:          planeID,
			NodeID:           rec.NodeID,
			PublicKey:        rec.PublicKey,
			AllowedAddress:   rec.Address,
			KeepaliveSeconds: model.DefaultKeepaliveSeconds,
		})
	}

	if err := r.store.ReplaceAllPeers(planeID, records); err != nil {
		return err
	}
	if err := r.store.Reload(planeID); err != nil {
		log.Printf("reflector: %v (table kept, will self-heal)", err)
	}

	log.Printf("reflector: plane %s converged to %d peers", planeID, len(records))
	r.Journal.RecordReflection(planeID, len(records), "ok")
	if r.OnReflected != nil {
		r.OnReflected(planeID, len(records))
	}
	return nil
}
