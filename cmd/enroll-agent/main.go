package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"backplane/pkg/discovery"
	"backplane/pkg/enroll"
	"backplane/pkg/metadata"
	"backplane/pkg/model"
	"backplane/pkg/planestore"
	"backplane/pkg/version"
)

func main() {
	loadDotEnv()

	defaultIndex := 0
	if v := os.Getenv("NODE_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			defaultIndex = n
		}
	}

	nodeID := flag.String("id", os.Getenv("NODE_ID"), "node id (env NODE_ID)")
	index := flag.Int("index", defaultIndex, "stable node index from the deployment inventory (env NODE_INDEX)")
	group := flag.String("group", os.Getenv("NODE_GROUP"), "node group label (env NODE_GROUP)")
	hub := flag.String("hub", os.Getenv("HUB_ADDR"), "hub base URL, e.g. http://203.0.113.10:8440 (env HUB_ADDR)")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "node or wave token (env AUTH_TOKEN)")
	metadataPath := flag.String("metadata", "/etc/backplane/hub-metadata.json", "hub metadata document; fetched from the hub if missing")
	keyDir := flag.String("key-dir", "/etc/backplane/keys", "directory holding per-plane keypairs")
	confDir := flag.String("conf-dir", "/etc/wireguard", "directory for rendered interface configs")
	apply := flag.Bool("apply", true, "bring interfaces up with wg-quick/wg syncconf")
	keepalive := flag.Int("keepalive", 0, "persistent keepalive seconds, 0 for default")
	consulAddr := flag.String("consul-addr", os.Getenv("CONSUL_HTTP_ADDR"), "consul address for discovery publish (env CONSUL_HTTP_ADDR)")
	consulToken := flag.String("consul-token", os.Getenv("CONSUL_HTTP_TOKEN"), "consul ACL token (env CONSUL_HTTP_TOKEN)")
	noPublish := flag.Bool("no-publish", false, "skip publishing this node to discovery")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall enrollment budget")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("enroll-agent version=%s", version.Build)
		return
	}
	if *nodeID == "" {
		log.Fatal("node id is required (flag -id or env NODE_ID)")
	}
	if *hub == "" {
		log.Fatal("hub base URL is required (flag -hub or env HUB_ADDR)")
	}
	if *index < 0 {
		log.Fatal("node index must be >= 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := enroll.NewClient(*hub, *token)

	doc, err := metadata.Load(*metadataPath)
	if err != nil {
		log.Printf("enroll-agent: metadata %s unavailable (%v), fetching from hub", *metadataPath, err)
		doc, err = client.Metadata(ctx)
		if err != nil {
			log.Fatalf("fetch metadata: %v", err)
		}
	}
	if len(doc.Planes) == 0 {
		log.Fatal("metadata document lists no planes")
	}

	var publisher discovery.Publisher
	if !*noPublish {
		publisher, err = discovery.NewConsulSource(*consulAddr, *consulToken)
		if err != nil {
			log.Printf("enroll-agent: discovery publish disabled: %v", err)
			publisher = nil
		}
	}

	agent := &enroll.Agent{
		Doc:       doc,
		Node:      model.Node{ID: *nodeID, Group: *group, Index: *index},
		KeyDir:    *keyDir,
		ConfDir:   *confDir,
		Client:    client,
		Publisher: publisher,
		Keepalive: *keepalive,
	}
	if *apply {
		agent.Applier = &planestore.ExecApplier{}
	}

	results := agent.EnrollAll(ctx)
	failed := 0
	for planeID, err := range results {
		if err != nil {
			failed++
			log.Printf("enroll-agent: plane %s failed: %v", planeID, err)
		}
	}
	log.Printf("enroll-agent version=%s: %d/%d planes enrolled", version.Build, len(results)-failed, len(results))
	if failed == len(results) {
		if enroll.AllGateClosed(results) {
			// Expected between deployment waves: the node has published to
			// discovery, the reflector converges it once a wave opens.
			log.Printf("enroll-agent: gate closed on every plane, waiting on the next wave")
			return
		}
		// Total failure is fatal so provisioning tooling notices; partial
		// failure is not, the convergence pass picks up the rest.
		os.Exit(1)
	}
}

func loadDotEnv() {
	for _, p := range []string{".env", "/etc/backplane/.env"} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				log.Printf("enroll-agent: load %s: %v", p, err)
			}
			return
		}
	}
}
