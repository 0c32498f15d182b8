package registrar

import (
	"errors"
	"net/netip"
	"path/filepath"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/gate"
	"backplane/pkg/planestore"
)

type noopApplier struct{}

func (noopApplier) Apply(iface, confPath string) error { return nil }

func newTestRegistrar(t *testing.T) (*Registrar, *planestore.Store, *gate.Gate) {
	t.Helper()
	dir := t.TempDir()
	store := planestore.New(filepath.Join(dir, "planes"), filepath.Join(dir, "wireguard"), noopApplier{}, 0)
	if _, err := store.Provision("control", "wg1", netip.MustParsePrefix("10.78.0.0/16"), 51821); err != nil {
		t.Fatal(err)
	}
	g := gate.New(filepath.Join(dir, "enrollment-open"))
	return New(store, g), store, g
}

func registration(t *testing.T, node, addr string) Registration {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return Registration{
		NodeID:         node,
		PublicKey:      priv.PublicKey().String(),
		AllowedAddress: netip.MustParseAddr(addr),
	}
}

func TestGateEnforcement(t *testing.T) {
	r, store, _ := newTestRegistrar(t)

	err := r.Register("control", registration(t, "node01", "10.78.0.2"))
	if !errors.Is(err, ErrGateClosed) {
		t.Fatalf("Register = %v, want ErrGateClosed", err)
	}
	peers, _ := store.Peers("control")
	if len(peers) != 0 {
		t.Error("closed-gate registration mutated the peer table")
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r, store, g := newTestRegistrar(t)
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	reg := registration(t, "node01", "10.78.0.2")

	for i := 0; i < 2; i++ {
		if err := r.Register("control", reg); err != nil {
			t.Fatal(err)
		}
	}
	peers, _ := store.Peers("control")
	if len(peers) != 1 {
		t.Fatalf("got %d records, want 1", len(peers))
	}
	if peers[0].KeepaliveSeconds != 25 {
		t.Errorf("keepalive = %d, want default 25", peers[0].KeepaliveSeconds)
	}

	// Same key, new address: one record, updated address.
	reg.AllowedAddress = netip.MustParseAddr("10.78.0.3")
	if err := r.Register("control", reg); err != nil {
		t.Fatal(err)
	}
	peers, _ = store.Peers("control")
	if len(peers) != 1 || peers[0].AllowedAddress != netip.MustParseAddr("10.78.0.3") {
		t.Errorf("update produced %+v", peers)
	}
}

func TestInvalidPeerRejected(t *testing.T) {
	r, store, g := newTestRegistrar(t)
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}

	cases := map[string]Registration{
		"bad key": {
			NodeID:         "node01",
			PublicKey:      "not-a-key",
			AllowedAddress: netip.MustParseAddr("10.78.0.2"),
		},
		"out of subnet": registrationWithAddr(t, "10.99.0.2"),
		"hub address":   registrationWithAddr(t, "10.78.0.1"),
	}
	for name, reg := range cases {
		if err := r.Register("control", reg); !errors.Is(err, ErrInvalidPeer) {
			t.Errorf("%s: Register = %v, want ErrInvalidPeer", name, err)
		}
	}
	peers, _ := store.Peers("control")
	if len(peers) != 0 {
		t.Error("rejected registration mutated the peer table")
	}
}

func registrationWithAddr(t *testing.T, addr string) Registration {
	reg := registration(t, "node01", "10.78.0.2")
	reg.AllowedAddress = netip.MustParseAddr(addr)
	return reg
}

func TestUnknownPlane(t *testing.T) {
	r, _, g := newTestRegistrar(t)
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	err := r.Register("telemetry", registration(t, "node01", "10.79.0.2"))
	if !errors.Is(err, planestore.ErrNotProvisioned) {
		t.Fatalf("Register = %v, want ErrNotProvisioned", err)
	}
}
