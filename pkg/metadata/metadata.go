// Package metadata exports the hub's per-plane public identity as a small
// JSON document. The document is generated at plane-provisioning time,
// distributed out-of-band, and consumed by every subsequently enrolled node
// to build its own plane configuration.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"backplane/pkg/model"
	"backplane/pkg/planestore"
)

// Document is the hub metadata handed to enrolling nodes. HubEndpoint is
// the underlay host the hub's plane listeners are reachable on.
type Document struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	HubEndpoint string        `json:"hubEndpoint"`
	Planes      []model.Plane `json:"planes"`
}

// Plane returns the plane with the given id, if present.
func (d Document) Plane(id string) (model.Plane, bool) {
	for _, p := range d.Planes {
		if p.ID == id {
			return p, true
		}
	}
	return model.Plane{}, false
}

// Export reads every provisioned plane from the store and writes the
// document to path (temp+rename). It returns the document it wrote.
func Export(store *planestore.Store, planeIDs []string, hubEndpoint, path string) (Document, error) {
	doc := Document{
		GeneratedAt: time.Now().UTC(),
		HubEndpoint: hubEndpoint,
	}
	for _, id := range planeIDs {
		plane, err := store.Load(id)
		if err != nil {
			return Document{}, fmt.Errorf("export metadata: %w", err)
		}
		doc.Planes = append(doc.Planes, plane)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Document{}, err
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return Document{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Load reads a document from disk.
func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	return doc, nil
}
