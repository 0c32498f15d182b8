// Package planestore owns the durable state of every plane on the hub: the
// interface keypair, the plane identity, and the authoritative peer table.
// The table is a JSON map keyed by public key, written with temp+rename so
// readers never observe a half-written file. All mutation of one plane is
// serialized through a per-plane mutex; different planes write concurrently.
package planestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/alloc"
	"backplane/pkg/model"
)

// ErrNotProvisioned reports a plane referenced before Provision.
var ErrNotProvisioned = errors.New("plane not provisioned")

// DefaultBackupKeep bounds how many peer-table backups are retained per plane.
const DefaultBackupKeep = 10

const (
	planeFile = "plane.json"
	peersFile = "peers.json"
)

type Store struct {
	baseDir    string // per-plane state: keys, plane.json, peers.json, backups
	confDir    string // rendered wg-quick configs
	applier    Applier
	backupKeep int

	mu     sync.Mutex
	planes map[string]*planeState
}

type planeState struct {
	mu sync.Mutex
}

func New(baseDir, confDir string, applier Applier, backupKeep int) *Store {
	if backupKeep <= 0 {
		backupKeep = DefaultBackupKeep
	}
	if applier == nil {
		applier = &ExecApplier{}
	}
	return &Store{
		baseDir:    baseDir,
		confDir:    confDir,
		applier:    applier,
		backupKeep: backupKeep,
		planes:     make(map[string]*planeState),
	}
}

// state returns the lock owner for a plane, creating it on first use.
func (s *Store) state(id string) *planeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.planes[id]
	if !ok {
		ps = &planeState{}
		s.planes[id] = ps
	}
	return ps
}

func (s *Store) planeDir(id string) string { return filepath.Join(s.baseDir, id) }

// Provision initializes a plane's identity and empty peer table. It is
// idempotent: an already-provisioned plane is returned unchanged, and keys
// are never regenerated since that would break every existing peer.
func (s *Store) Provision(id, iface string, subnet netip.Prefix, listenPort int) (model.Plane, error) {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if plane, err := s.readPlane(id); err == nil {
		return plane, nil
	} else if !errors.Is(err, ErrNotProvisioned) {
		return model.Plane{}, err
	}

	if !subnet.IsValid() || !subnet.Addr().Is4() {
		return model.Plane{}, fmt.Errorf("plane %s: invalid subnet %s", id, subnet)
	}
	dir := s.planeDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: %w", id, err)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: generate key: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(dir, iface+".key"), []byte(priv.String()+"\n"), 0o600); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: write private key: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(dir, iface+".pub"), []byte(priv.PublicKey().String()+"\n"), 0o644); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: write public key: %w", id, err)
	}

	plane := model.Plane{
		ID:           id,
		Iface:        iface,
		Subnet:       subnet.Masked(),
		HubAddress:   alloc.HubAddress(subnet),
		ListenPort:   listenPort,
		HubPublicKey: priv.PublicKey().String(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, planeFile), plane, 0o644); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: %w", id, err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, peersFile), map[string]model.PeerRecord{}, 0o644); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: %w", id, err)
	}
	return plane, nil
}

// Load returns a provisioned plane's identity.
func (s *Store) Load(id string) (model.Plane, error) {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return s.readPlane(id)
}

func (s *Store) readPlane(id string) (model.Plane, error) {
	b, err := os.ReadFile(filepath.Join(s.planeDir(id), planeFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Plane{}, fmt.Errorf("plane %s: %w", id, ErrNotProvisioned)
		}
		return model.Plane{}, fmt.Errorf("plane %s: %w", id, err)
	}
	var plane model.Plane
	if err := json.Unmarshal(b, &plane); err != nil {
		return model.Plane{}, fmt.Errorf("plane %s: parse %s: %w", id, planeFile, err)
	}
	return plane, nil
}

// Peers returns the current peer table sorted by node id then public key.
func (s *Store) Peers(id string) ([]model.PeerRecord, error) {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	table, err := s.readTable(id)
	if err != nil {
		return nil, err
	}
	out := make([]model.PeerRecord, 0, len(table))
	for _, rec := range table {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].PublicKey < out[j].PublicKey
	})
	return out, nil
}

// UpsertPeer adds rec to the plane's table, or updates the existing record
// for its public key in place. Re-writing an identical record is a no-op.
func (s *Store) UpsertPeer(id string, rec model.PeerRecord) error {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, err := s.readPlane(id); err != nil {
		return err
	}
	table, err := s.readTable(id)
	if err != nil {
		return err
	}
	if cur, ok := table[rec.PublicKey]; ok && sameRecord(cur, rec) {
		return nil
	}
	rec.PlaneID = id
	rec.UpdatedAt = time.Now().UTC()
	table[rec.PublicKey] = rec
	return writeJSONAtomic(filepath.Join(s.planeDir(id), peersFile), table, 0o644)
}

// ReplaceAllPeers overwrites the plane's table with recs, snapshotting the
// previous table to a timestamped backup first. Only the convergence pass
// calls this.
func (s *Store) ReplaceAllPeers(id string, recs []model.PeerRecord) error {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, err := s.readPlane(id); err != nil {
		return err
	}
	path := filepath.Join(s.planeDir(id), peersFile)
	if err := s.backupTable(path); err != nil {
		return fmt.Errorf("plane %s: backup peer table: %w", id, err)
	}
	table := make(map[string]model.PeerRecord, len(recs))
	now := time.Now().UTC()
	for _, rec := range recs {
		rec.PlaneID = id
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		table[rec.PublicKey] = rec
	}
	return writeJSONAtomic(path, table, 0o644)
}

func (s *Store) readTable(id string) (map[string]model.PeerRecord, error) {
	b, err := os.ReadFile(filepath.Join(s.planeDir(id), peersFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("plane %s: %w", id, ErrNotProvisioned)
		}
		return nil, fmt.Errorf("plane %s: %w", id, err)
	}
	table := make(map[string]model.PeerRecord)
	if err := json.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("plane %s: parse %s: %w", id, peersFile, err)
	}
	return table, nil
}

func (s *Store) backupTable(path string) error {
	cur, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	ts := time.Now().UTC().Format("20060102150405.000000000")
	if err := os.WriteFile(fmt.Sprintf("%s.bak.%s", path, ts), cur, 0o644); err != nil {
		return err
	}
	return pruneBackups(path, s.backupKeep)
}

func pruneBackups(path string, keep int) error {
	backups, err := filepath.Glob(path + ".bak.*")
	if err != nil {
		return err
	}
	sort.Strings(backups)
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func sameRecord(a, b model.PeerRecord) bool {
	return a.NodeID == b.NodeID &&
		a.AllowedAddress == b.AllowedAddress &&
		a.KeepaliveSeconds == b.KeepaliveSeconds
}

func writeJSONAtomic(path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'), mode)
}

// writeFileAtomic writes data to a temp file, syncs it, and renames it over
// path. The directory is synced afterwards so the rename itself survives a
// crash.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
