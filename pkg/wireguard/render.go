// Package wireguard renders wg-quick compatible configuration for plane
// interfaces. The hub form carries one /32 peer stanza per enrolled node;
// the spoke form carries a single peer covering the whole plane subnet via
// the hub, so a node reaches any current or future peer without per-peer
// updates on its side.
package wireguard

import (
	"fmt"
	"sort"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/model"
)

// ValidateKey reports whether s is a well-formed WireGuard key.
func ValidateKey(s string) error {
	_, err := wgtypes.ParseKey(s)
	return err
}

// RenderHubConfig produces the hub-side config for a plane. Peers are
// emitted in node-id order so identical tables render identical files.
func RenderHubConfig(plane model.Plane, privateKey string, peers []model.PeerRecord) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", plane.HubAddress, plane.Subnet.Bits())
	fmt.Fprintf(&b, "ListenPort = %d\n", plane.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	b.WriteString("\n")

	sorted := append([]model.PeerRecord(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NodeID != sorted[j].NodeID {
			return sorted[i].NodeID < sorted[j].NodeID
		}
		return sorted[i].PublicKey < sorted[j].PublicKey
	})

	for _, p := range sorted {
		b.WriteString("[Peer]\n")
		if p.NodeID != "" {
			fmt.Fprintf(&b, "# %s (%s)\n", p.NodeID, plane.Iface)
		}
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.AllowedAddress)
		if p.KeepaliveSeconds > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.KeepaliveSeconds)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SpokeParams carries everything a node needs to render its side of a plane.
type SpokeParams struct {
	Plane       model.Plane
	Address     string // node's own address inside the plane subnet
	PrivateKey  string
	HubEndpoint string // underlay host the hub listens on
	Keepalive   int
}

// RenderSpokeConfig produces the node-side config: a single hub peer whose
// AllowedIPs is the entire plane subnet.
func RenderSpokeConfig(p SpokeParams) string {
	ka := p.Keepalive
	if ka <= 0 {
		ka = model.DefaultKeepaliveSeconds
	}
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", p.Address, p.Plane.Subnet.Bits())
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	b.WriteString("\n")
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "# hub (%s)\n", p.Plane.Iface)
	fmt.Fprintf(&b, "PublicKey = %s\n", p.Plane.HubPublicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", p.Plane.Subnet)
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", p.HubEndpoint, p.Plane.ListenPort)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", ka)
	b.WriteString("\n")
	return b.String()
}
