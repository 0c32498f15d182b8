package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/gate"
	"backplane/pkg/metadata"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
	"backplane/pkg/registrar"
)

type nopApplier struct{}

func (nopApplier) Apply(string, string) error { return nil }

type fixture struct {
	srv   *httptest.Server
	gate  *gate.Gate
	store *planestore.Store
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := planestore.New(dir+"/planes", dir+"/wireguard", nopApplier{}, 0)
	plane, err := store.Provision("control", "wg1", netip.MustParsePrefix("10.78.0.0/16"), 51821)
	if err != nil {
		t.Fatal(err)
	}
	g := gate.New(dir + "/gate.marker")
	s := NewServer(Config{
		Store:     store,
		Gate:      g,
		Registrar: registrar.New(store, g),
		Doc:       metadata.Document{HubEndpoint: "203.0.113.10", Planes: []model.Plane{plane}},
		Planes:    []string{"control"},
		Token:     "node-secret",
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, gate: g, store: store, token: "node-secret"}
}

func (f *fixture) do(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func testRegistration() registrar.Registration {
	priv, _ := wgtypes.GeneratePrivateKey()
	return registrar.Registration{
		NodeID:         "node01",
		Index:          0,
		PublicKey:      priv.PublicKey().String(),
		AllowedAddress: netip.MustParseAddr("10.78.0.2"),
	}
}

func TestRegisterRequiresAuth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/planes/control/peers", "", testRegistration())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterClosedGate(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/planes/control/peers", f.token, testRegistration())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	peers, err := f.store.Peers("control")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Errorf("closed gate admitted %d peers", len(peers))
	}
}

func TestRegisterAndListPeers(t *testing.T) {
	f := newFixture(t)
	if err := f.gate.Open(); err != nil {
		t.Fatal(err)
	}

	reg := testRegistration()
	resp := f.do(t, http.MethodPost, "/api/v1/planes/control/peers", f.token, reg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/planes/control/peers", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("peers status = %d, want 200", resp.StatusCode)
	}
	var peers []model.PeerRecord
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].NodeID != "node01" {
		t.Errorf("unexpected peers: %+v", peers)
	}
}

func TestRegisterUnknownPlane(t *testing.T) {
	f := newFixture(t)
	if err := f.gate.Open(); err != nil {
		t.Fatal(err)
	}
	resp := f.do(t, http.MethodPost, "/api/v1/planes/ghost/peers", f.token, testRegistration())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateOpenMintsUsableWaveToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/gate/open", f.token, map[string]int{"ttlSeconds": 600})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gate open status = %d, want 200", resp.StatusCode)
	}
	var opened struct {
		Open      bool   `json:"open"`
		WaveToken string `json:"waveToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		t.Fatal(err)
	}
	if !opened.Open || opened.WaveToken == "" {
		t.Fatalf("unexpected gate open response: %+v", opened)
	}

	// A node holding only the wave token can register.
	resp = f.do(t, http.MethodPost, "/api/v1/planes/control/peers", opened.WaveToken, testRegistration())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wave-token register status = %d, want 200", resp.StatusCode)
	}

	// But it is not an operator credential.
	resp = f.do(t, http.MethodPost, "/api/v1/gate/close", opened.WaveToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wave token closed the gate: status = %d", resp.StatusCode)
	}
}

func TestGateStateReflectsClose(t *testing.T) {
	f := newFixture(t)
	if err := f.gate.Open(); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/gate/close", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gate close status = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/gate", f.token, nil)
	var state struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Open {
		t.Error("gate reported open after close")
	}
}

func TestMetadataEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/metadata", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var doc metadata.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.HubEndpoint != "203.0.113.10" || len(doc.Planes) != 1 {
		t.Errorf("unexpected document: %+v", doc)
	}
}
