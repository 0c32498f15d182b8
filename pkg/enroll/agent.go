// Package enroll implements the node-side enrollment agent. It runs once
// per node as part of first-boot provisioning: per plane it ensures a local
// keypair, renders the spoke configuration pointing at the hub, publishes
// its identity to the discovery source, and registers with the hub while
// the enrollment gate is open. Planes are handled independently; a failure
// on one never blocks the others, and registration failures are warnings
// because the convergence pass is the backstop.
package enroll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"backplane/pkg/alloc"
	"backplane/pkg/discovery"
	"backplane/pkg/metadata"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
	"backplane/pkg/registrar"
	"backplane/pkg/wireguard"
)

type Agent struct {
	Doc  metadata.Document
	Node model.Node

	KeyDir  string // per-plane key files, <iface>.key / <iface>.pub
	ConfDir string // rendered spoke configs, <iface>.conf

	Client    *Client
	Publisher discovery.Publisher // optional
	Applier   planestore.Applier  // optional; nil skips bringing interfaces up
	Keepalive int
}

// EnrollAll attempts every plane in the metadata document and returns the
// per-plane outcome. Callers log failures as warnings rather than aborting.
func (a *Agent) EnrollAll(ctx context.Context) map[string]error {
	results := make(map[string]error, len(a.Doc.Planes))
	for _, plane := range a.Doc.Planes {
		err := a.EnrollPlane(ctx, plane)
		results[plane.ID] = err
		if err != nil {
			log.Printf("enroll: plane %s: %v (reflector will converge later)", plane.ID, err)
		}
	}
	return results
}

// AllGateClosed reports whether every plane in a non-empty result set
// failed specifically because the enrollment gate was closed. Between
// deployment waves that is the expected outcome, not an alarm: the node has
// published to discovery and the convergence pass picks it up once a wave
// opens.
func AllGateClosed(results map[string]error) bool {
	if len(results) == 0 {
		return false
	}
	for _, err := range results {
		if !errors.Is(err, ErrGateClosed) {
			return false
		}
	}
	return true
}

// EnrollPlane performs the full enrollment flow for one plane.
func (a *Agent) EnrollPlane(ctx context.Context, plane model.Plane) error {
	priv, err := a.ensureKeys(plane.Iface)
	if err != nil {
		return err
	}
	pub := priv.PublicKey().String()

	addr, err := alloc.Allocate(plane.Subnet, a.Node.Index)
	if err != nil {
		return fmt.Errorf("allocate address for index %d: %w", a.Node.Index, err)
	}

	conf := wireguard.RenderSpokeConfig(wireguard.SpokeParams{
		Plane:       plane,
		Address:     addr.String(),
		PrivateKey:  priv.String(),
		HubEndpoint: a.Doc.HubEndpoint,
		Keepalive:   a.Keepalive,
	})
	confPath := filepath.Join(a.ConfDir, plane.Iface+".conf")
	changed, err := writeIfChanged(confPath, []byte(conf))
	if err != nil {
		return fmt.Errorf("write spoke config: %w", err)
	}
	if changed && a.Applier != nil {
		if err := a.Applier.Apply(plane.Iface, confPath); err != nil {
			log.Printf("enroll: plane %s: apply config: %v (config kept on disk)", plane.ID, err)
		}
	}

	// Publish before registering so the reflector can converge this node
	// even if the gate is closed or the hub is unreachable.
	if a.Publisher != nil {
		if err := a.Publisher.Publish(ctx, discovery.Record{
			NodeID:    a.Node.ID,
			PlaneID:   plane.ID,
			PublicKey: pub,
			Address:   addr,
			Group:     a.Node.Group,
		}); err != nil {
			log.Printf("enroll: plane %s: discovery publish failed: %v", plane.ID, err)
		}
	}

	err = a.Client.Register(ctx, plane.ID, registrar.Registration{
		NodeID:           a.Node.ID,
		Group:            a.Node.Group,
		Index:            a.Node.Index,
		PublicKey:        pub,
		AllowedAddress:   addr,
		KeepaliveSeconds: a.Keepalive,
	})
	if err != nil {
		return err
	}
	log.Printf("enroll: plane %s: registered as %s", plane.ID, addr)
	return nil
}

// ensureKeys loads the plane keypair, generating it on first run. An
// existing key is never regenerated: that would orphan any registration the
// hub already holds for this node.
func (a *Agent) ensureKeys(iface string) (wgtypes.Key, error) {
	keyPath := filepath.Join(a.KeyDir, iface+".key")
	pubPath := filepath.Join(a.KeyDir, iface+".pub")

	if b, err := os.ReadFile(keyPath); err == nil {
		priv, perr := wgtypes.ParseKey(strings.TrimSpace(string(b)))
		if perr != nil {
			return wgtypes.Key{}, fmt.Errorf("existing key %s is corrupt: %w", keyPath, perr)
		}
		// Repair a missing pub file; never touch the private key.
		if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
			if werr := os.WriteFile(pubPath, []byte(priv.PublicKey().String()+"\n"), 0o644); werr != nil {
				return wgtypes.Key{}, werr
			}
		}
		return priv, nil
	}

	if err := os.MkdirAll(a.KeyDir, 0o700); err != nil {
		return wgtypes.Key{}, err
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, err
	}
	if err := os.WriteFile(keyPath, []byte(priv.String()+"\n"), 0o600); err != nil {
		return wgtypes.Key{}, err
	}
	if err := os.WriteFile(pubPath, []byte(priv.PublicKey().String()+"\n"), 0o644); err != nil {
		return wgtypes.Key{}, err
	}
	return priv, nil
}

func writeIfChanged(path string, desired []byte) (bool, error) {
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
	tmp := path + ".new"
	if err := os.WriteFile(tmp, desired, 0o600); err != nil {
		return false, err
	}
	return true, os.Rename(tmp, path)
}
