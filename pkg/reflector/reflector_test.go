package reflector

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/discovery"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
)

type noopApplier struct{}

func (noopApplier) Apply(iface, confPath string) error { return nil }

type fixture struct {
	r     *Reflector
	store *planestore.Store
	src   *discovery.StaticSource
	plane model.Plane
	dir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	store := planestore.New(filepath.Join(dir, "planes"), filepath.Join(dir, "wireguard"), noopApplier{}, 0)
	plane, err := store.Provision("control", "wg1", netip.MustParsePrefix("10.78.0.0/16"), 51821)
	if err != nil {
		t.Fatal(err)
	}
	src := discovery.NewStaticSource()
	return fixture{
		r:     New(store, src, []string{"control"}),
		store: store,
		src:   src,
		plane: plane,
		dir:   dir,
	}
}

func (f fixture) tablePath() string {
	return filepath.Join(f.dir, "planes", "control", "peers.json")
}

func publish(t *testing.T, src *discovery.StaticSource, node, addr string) discovery.Record {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	rec := discovery.Record{
		NodeID:    node,
		PlaneID:   "control",
		PublicKey: priv.PublicKey().String(),
		Address:   netip.MustParseAddr(addr),
	}
	if err := src.Publish(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func upsert(t *testing.T, store *planestore.Store, node, addr string) model.PeerRecord {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	rec := model.PeerRecord{
		NodeID:           node,
		PublicKey:        priv.PublicKey().String(),
		AllowedAddress:   netip.MustParseAddr(addr),
		KeepaliveSeconds: 25,
	}
	if err := store.UpsertPeer("control", rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestReflectReplacesNotMerges(t *testing.T) {
	f := newFixture(t)

	// A manual registration that discovery has not observed.
	manual := upsert(t, f.store, "nodeC", "10.78.0.4")
	a := publish(t, f.src, "nodeA", "10.78.0.2")
	b := publish(t, f.src, "nodeB", "10.78.0.3")

	if err := f.r.ReflectPlane(context.Background(), "control"); err != nil {
		t.Fatal(err)
	}

	peers, _ := f.store.Peers("control")
	if len(peers) != 2 {
		t.Fatalf("got %d records, want exactly the discovered 2", len(peers))
	}
	byKey := map[string]model.PeerRecord{}
	for _, p := range peers {
		byKey[p.PublicKey] = p
	}
	if _, ok := byKey[manual.PublicKey]; ok {
		t.Error("manually registered peer survived convergence")
	}
	if byKey[a.PublicKey].AllowedAddress != a.Address || byKey[b.PublicKey].AllowedAddress != b.Address {
		t.Errorf("converged table does not match discovery: %+v", peers)
	}
}

func TestReflectFiltersHub(t *testing.T) {
	f := newFixture(t)

	// Discovery erroneously lists the hub itself.
	if err := f.src.Publish(context.Background(), discovery.Record{
		NodeID:    "hub",
		PlaneID:   "control",
		PublicKey: f.plane.HubPublicKey,
		Address:   f.plane.HubAddress,
	}); err != nil {
		t.Fatal(err)
	}
	publish(t, f.src, "nodeA", "10.78.0.2")

	if err := f.r.ReflectPlane(context.Background(), "control"); err != nil {
		t.Fatal(err)
	}
	peers, _ := f.store.Peers("control")
	if len(peers) != 1 || peers[0].NodeID != "nodeA" {
		t.Errorf("hub not filtered from converged table: %+v", peers)
	}
}

func TestReflectSkipsInvalidRecords(t *testing.T) {
	f := newFixture(t)
	publish(t, f.src, "nodeA", "10.78.0.2")
	publish(t, f.src, "nodeB", "10.99.0.2") // outside the plane subnet
	if err := f.src.Publish(context.Background(), discovery.Record{
		NodeID:    "nodeC",
		PlaneID:   "control",
		PublicKey: "garbage",
		Address:   netip.MustParseAddr("10.78.0.5"),
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.r.ReflectPlane(context.Background(), "control"); err != nil {
		t.Fatal(err)
	}
	peers, _ := f.store.Peers("control")
	if len(peers) != 1 || peers[0].NodeID != "nodeA" {
		t.Errorf("invalid records not skipped: %+v", peers)
	}
}

func TestDiscoveryUnavailableLeavesTable(t *testing.T) {
	f := newFixture(t)
	upsert(t, f.store, "nodeA", "10.78.0.2")

	prev, err := os.ReadFile(f.tablePath())
	if err != nil {
		t.Fatal(err)
	}

	f.src.Fail(discovery.ErrUnavailable)
	rerr := f.r.ReflectPlane(context.Background(), "control")
	if !errors.Is(rerr, discovery.ErrUnavailable) {
		t.Fatalf("ReflectPlane = %v, want ErrUnavailable", rerr)
	}

	after, err := os.ReadFile(f.tablePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(prev) != string(after) {
		t.Error("table changed during a failed cycle")
	}
	backups, _ := filepath.Glob(f.tablePath() + ".bak.*")
	if len(backups) != 0 {
		t.Errorf("failed cycle created %d backups, want 0", len(backups))
	}
}
