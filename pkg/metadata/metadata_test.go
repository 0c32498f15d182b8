package metadata

import (
	"net/netip"
	"path/filepath"
	"testing"

	"backplane/pkg/planestore"
)

type noopApplier struct{}

func (noopApplier) Apply(iface, confPath string) error { return nil }

func TestExportLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := planestore.New(filepath.Join(dir, "planes"), filepath.Join(dir, "wireguard"), noopApplier{}, 0)
	for _, p := range []struct {
		id, iface, subnet string
		port              int
	}{
		{"control", "wg1", "10.78.0.0/16", 51821},
		{"telemetry", "wg2", "10.79.0.0/16", 51822},
	} {
		if _, err := store.Provision(p.id, p.iface, netip.MustParsePrefix(p.subnet), p.port); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(dir, "hub-metadata.json")
	wrote, err := Export(store, []string{"control", "telemetry"}, "203.0.113.10", path)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.HubEndpoint != "203.0.113.10" {
		t.Errorf("hub endpoint = %q", doc.HubEndpoint)
	}
	if len(doc.Planes) != 2 {
		t.Fatalf("got %d planes, want 2", len(doc.Planes))
	}
	ctrl, ok := doc.Plane("control")
	if !ok {
		t.Fatal("control plane missing from document")
	}
	if ctrl.HubAddress != netip.MustParseAddr("10.78.0.1") || ctrl.ListenPort != 51821 {
		t.Errorf("control plane mangled: %+v", ctrl)
	}
	if ctrl.HubPublicKey != wrote.Planes[0].HubPublicKey {
		t.Error("public key changed across export/load")
	}
}

func TestExportUnprovisionedPlane(t *testing.T) {
	dir := t.TempDir()
	store := planestore.New(filepath.Join(dir, "planes"), filepath.Join(dir, "wireguard"), noopApplier{}, 0)
	if _, err := Export(store, []string{"control"}, "203.0.113.10", filepath.Join(dir, "hub-metadata.json")); err == nil {
		t.Fatal("export of an unprovisioned plane should fail")
	}
}
