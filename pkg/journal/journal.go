// Package journal keeps a local sqlite audit trail of enrollment and
// convergence activity on the hub. It is strictly observational: every
// write is best-effort and a broken journal never fails the operation that
// produced the entry.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS registrations(
	plane TEXT, node TEXT, public_key TEXT, address TEXT, node_index INTEGER, ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_registrations_node ON registrations(node);
CREATE TABLE IF NOT EXISTS reflections(
	plane TEXT, peers INTEGER, outcome TEXT, ts INTEGER
);`

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordRegistration notes a successful peer registration.
func (j *Journal) RecordRegistration(plane, node, publicKey, address string, index int) {
	if j == nil || j.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO registrations(plane, node, public_key, address, node_index, ts) VALUES(?,?,?,?,?,?)`,
		plane, node, publicKey, address, index, time.Now().Unix()); err != nil {
		log.Printf("journal: record registration failed: %v", err)
	}
}

// RecordReflection notes the outcome of one convergence cycle for a plane.
func (j *Journal) RecordReflection(plane string, peers int, outcome string) {
	if j == nil || j.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO reflections(plane, peers, outcome, ts) VALUES(?,?,?,?)`,
		plane, peers, outcome, time.Now().Unix()); err != nil {
		log.Printf("journal: record reflection failed: %v", err)
	}
}

// Registrations returns the most recent registration entries, newest first.
func (j *Journal) Registrations(limit int) ([]Registration, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := j.db.QueryContext(ctx,
		`SELECT plane, node, public_key, address, node_index, ts FROM registrations ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Registration
	for rows.Next() {
		var r Registration
		var ts int64
		if err := rows.Scan(&r.Plane, &r.Node, &r.PublicKey, &r.Address, &r.Index, &ts); err != nil {
			return nil, err
		}
		r.Time = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

type Registration struct {
	Plane     string    `json:"plane"`
	Node      string    `json:"node"`
	PublicKey string    `json:"publicKey"`
	Address   string    `json:"address"`
	Index     int       `json:"index"`
	Time      time.Time `json:"time"`
}
