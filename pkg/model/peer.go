package model

import (
	"net/netip"
	"time"
)

// PeerRecord is one entry in a plane's authoritative peer table.
// Records are keyed by PublicKey: a second registration with the same key
// updates the record in place rather than duplicating it.
type PeerRecord struct {
	PlaneID          string     `json:"planeId"`
	NodeID           string     `json:"nodeId,omitempty"`
	PublicKey        string     `json:"publicKey"`
	AllowedAddress   netip.Addr `json:"allowedAddress"`
	KeepaliveSeconds int        `json:"keepaliveSeconds,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}

// DefaultKeepaliveSeconds is applied when a registration does not specify one.
const DefaultKeepaliveSeconds = 25
