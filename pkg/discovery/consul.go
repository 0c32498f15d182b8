package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

// KVPrefix is where node records live in Consul:
// backplane/nodes/<nodeID>/<planeID> -> Record JSON.
const KVPrefix = "backplane/nodes/"

// ConsulSource reads and writes node records in Consul KV.
type ConsulSource struct {
	cli *consulapi.Client
}

func NewConsulSource(addr, token string) (*ConsulSource, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulSource{cli: cli}, nil
}

func (c *ConsulSource) Records(ctx context.Context, planeID string) ([]Record, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := c.cli.KV().List(KVPrefix, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []Record
	for _, p := range pairs {
		if path.Base(p.Key) != planeID {
			continue
		}
		var rec Record
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			log.Printf("discovery: skipping malformed record %s: %v", p.Key, err)
			continue
		}
		if rec.NodeID == "" {
			rec.NodeID = nodeFromKey(p.Key)
		}
		rec.PlaneID = planeID
		out = append(out, rec)
	}
	return out, nil
}

func (c *ConsulSource) Publish(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	kv := &consulapi.KVPair{
		Key:   KVPrefix + rec.NodeID + "/" + rec.PlaneID,
		Value: b,
	}
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := c.cli.KV().Put(kv, w); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func nodeFromKey(key string) string {
	rest := strings.TrimPrefix(key, KVPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
