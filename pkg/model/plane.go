package model

import "net/netip"

// Plane describes one overlay network segment owned by the hub: its address
// space, the interface it is bound to, and the hub's identity on it.
// The hub's private key is never part of this struct; it stays in the key file.
type Plane struct {
	ID           string       `json:"id"`
	Iface        string       `json:"iface"`
	Subnet       netip.Prefix `json:"subnet"`
	HubAddress   netip.Addr   `json:"hubAddress"`
	ListenPort   int          `json:"listenPort"`
	HubPublicKey string       `json:"hubPublicKey"`
}
