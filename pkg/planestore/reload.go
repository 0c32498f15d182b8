package planestore

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"backplane/pkg/model"
	"backplane/pkg/wireguard"
)

// ReloadError reports that the on-disk table was updated but applying it to
// the live interface failed. The table remains the source of truth; the
// interface catches up on the next reload or process restart.
type ReloadError struct {
	Plane string
	Err   error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("plane %s: reload interface: %v", e.Plane, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Applier pushes a rendered config onto the live interface.
type Applier interface {
	Apply(iface, confPath string) error
}

// Reload renders the plane's config from the current table and applies it
// to the running interface. An unchanged rendering skips the apply so
// steady-state reloads do not touch active sessions.
func (s *Store) Reload(id string) error {
	ps := s.state(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	plane, err := s.readPlane(id)
	if err != nil {
		return err
	}
	table, err := s.readTable(id)
	if err != nil {
		return err
	}
	keyBytes, err := os.ReadFile(filepath.Join(s.planeDir(id), plane.Iface+".key"))
	if err != nil {
		return fmt.Errorf("plane %s: read private key: %w", id, err)
	}

	peers := make([]model.PeerRecord, 0, len(table))
	for _, rec := range table {
		peers = append(peers, rec)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PublicKey < peers[j].PublicKey })

	conf := wireguard.RenderHubConfig(plane, strings.TrimSpace(string(keyBytes)), peers)
	confPath := filepath.Join(s.confDir, plane.Iface+".conf")
	changed, err := s.writeConfIfChanged(confPath, []byte(conf))
	if err != nil {
		return fmt.Errorf("plane %s: write config: %w", id, err)
	}
	if !changed {
		return nil
	}
	if err := s.applier.Apply(plane.Iface, confPath); err != nil {
		return &ReloadError{Plane: id, Err: err}
	}
	return nil
}

func (s *Store) writeConfIfChanged(path string, desired []byte) (bool, error) {
	cur, err := os.ReadFile(path)
	if err == nil && bytes.Equal(cur, desired) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, desired, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// ExecApplier applies configs with the wg-quick/wg tooling. When the
// interface already exists it syncs peers in place instead of tearing the
// interface down, so unaffected sessions keep their handshakes.
type ExecApplier struct{}

func (a *ExecApplier) Apply(iface, confPath string) error {
	if !ifaceExists(iface) {
		if err := run("wg-quick", "up", confPath); err != nil {
			return fmt.Errorf("wg-quick up: %w", err)
		}
		return nil
	}

	stripCmd := exec.Command("wg-quick", "strip", confPath)
	conf, err := stripCmd.Output()
	if err != nil {
		return fmt.Errorf("wg-quick strip: %w", err)
	}
	cmd := exec.Command("wg", "syncconf", iface, "/dev/stdin")
	cmd.Stdin = bytes.NewReader(conf)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wg syncconf: %w output=%s", err, string(out))
	}
	return nil
}

func ifaceExists(iface string) bool {
	if iface == "" {
		return false
	}
	_, err := net.InterfaceByName(iface)
	return err == nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %v output=%s", name, args, err, string(out))
	}
	return nil
}
