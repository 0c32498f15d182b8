package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"backplane/pkg/api"
	"backplane/pkg/discovery"
	"backplane/pkg/gate"
	"backplane/pkg/journal"
	"backplane/pkg/metadata"
	"backplane/pkg/planestore"
	"backplane/pkg/reflector"
	"backplane/pkg/registrar"
	"backplane/pkg/sinks"
	"backplane/pkg/version"
)

const defaultPlanes = "control:wg1:10.78.0.0/16:51821,telemetry:wg2:10.79.0.0/16:51822,workload:wg3:10.80.0.0/16:51823"

type planeSpec struct {
	id     string
	iface  string
	subnet netip.Prefix
	port   int
}

type nopApplier struct{}

func (nopApplier) Apply(iface, confPath string) error {
	log.Printf("hubd: dry-run, not applying %s (%s)", iface, confPath)
	return nil
}

func main() {
	loadDotEnv()

	addr := flag.String("addr", ":8440", "API listen address")
	stateDir := flag.String("state-dir", "/var/lib/backplane", "hub state directory")
	confDir := flag.String("conf-dir", "/etc/wireguard", "directory for rendered interface configs")
	planesFlag := flag.String("planes", defaultPlanes, "plane list: id:iface:subnet:port, comma separated")
	endpoint := flag.String("endpoint", os.Getenv("HUB_ENDPOINT"), "underlay host nodes reach the hub on (env HUB_ENDPOINT)")
	metadataPath := flag.String("metadata", "", "metadata export path (default <state-dir>/hub-metadata.json)")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "shared node token, empty disables auth (env AUTH_TOKEN)")
	apply := flag.Bool("apply", true, "apply rendered configs with wg-quick/wg syncconf")
	backupKeep := flag.Int("backup-keep", planestore.DefaultBackupKeep, "peer table backups retained per plane")

	discoveryKind := flag.String("discovery", "consul", "discovery source: consul|none")
	consulAddr := flag.String("consul-addr", os.Getenv("CONSUL_HTTP_ADDR"), "consul address (env CONSUL_HTTP_ADDR)")
	consulToken := flag.String("consul-token", os.Getenv("CONSUL_HTTP_TOKEN"), "consul ACL token (env CONSUL_HTTP_TOKEN)")
	reflectEvery := flag.Duration("reflect-interval", 60*time.Second, "convergence cadence")

	journalPath := flag.String("journal", "", "sqlite journal path, empty disables (default <state-dir>/journal.db)")
	noJournal := flag.Bool("no-journal", false, "disable the sqlite journal")
	inventoryFile := flag.String("inventory-file", "", "JSON inventory sink path (optional)")
	targetsFile := flag.String("targets-file", "", "Prometheus file_sd sink path (optional)")
	targetsPort := flag.Int("targets-port", 9100, "scrape port for the file_sd sink")
	sinkPlane := flag.String("sink-plane", "", "plane the sinks record (default first plane)")
	mysqlInventory := flag.Bool("mysql-inventory", false, "mirror inventory into MySQL (env MYSQL_*)")

	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("hubd version=%s", version.Build)
		return
	}
	if *endpoint == "" {
		log.Fatal("hub endpoint is required (flag -endpoint or env HUB_ENDPOINT)")
	}

	specs, err := parsePlanes(*planesFlag)
	if err != nil {
		log.Fatalf("bad -planes: %v", err)
	}
	planeIDs := make([]string, 0, len(specs))
	for _, sp := range specs {
		planeIDs = append(planeIDs, sp.id)
	}

	var applier planestore.Applier
	if !*apply {
		applier = nopApplier{}
	}
	store := planestore.New(filepath.Join(*stateDir, "planes"), *confDir, applier, *backupKeep)

	for _, sp := range specs {
		plane, err := store.Provision(sp.id, sp.iface, sp.subnet, sp.port)
		if err != nil {
			log.Fatalf("provision plane %s: %v", sp.id, err)
		}
		log.Printf("hubd: plane %s on %s, hub %s, port %d", plane.ID, plane.Iface, plane.HubAddress, plane.ListenPort)
		if err := store.Reload(sp.id); err != nil {
			log.Printf("hubd: plane %s initial reload: %v", sp.id, err)
		}
	}

	mdPath := *metadataPath
	if mdPath == "" {
		mdPath = filepath.Join(*stateDir, "hub-metadata.json")
	}
	doc, err := metadata.Export(store, planeIDs, *endpoint, mdPath)
	if err != nil {
		log.Fatalf("export metadata: %v", err)
	}
	log.Printf("hubd: metadata exported to %s", mdPath)

	g := gate.New(filepath.Join(*stateDir, "gate.marker"))
	if g.Check() {
		log.Printf("hubd: enrollment gate is open")
	}

	var jrnl *journal.Journal
	if !*noJournal {
		jp := *journalPath
		if jp == "" {
			jp = filepath.Join(*stateDir, "journal.db")
		}
		jrnl, err = journal.Open(jp)
		if err != nil {
			log.Printf("hubd: journal disabled: %v", err)
			jrnl = nil
		}
		defer jrnl.Close()
	}

	reg := registrar.New(store, g)
	reg.Journal = jrnl
	reg.Sinks = buildSinks(planeIDs, *sinkPlane, *inventoryFile, *targetsFile, *targetsPort, *mysqlInventory)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var refl *reflector.Reflector
	switch *discoveryKind {
	case "consul":
		src, err := discovery.NewConsulSource(*consulAddr, *consulToken)
		if err != nil {
			log.Fatalf("consul source: %v", err)
		}
		refl = reflector.New(store, src, planeIDs)
		refl.Interval = *reflectEvery
		refl.Journal = jrnl
		go refl.Run(ctx)
	case "none":
		log.Printf("hubd: discovery disabled, convergence pass not running")
	default:
		log.Fatalf("unsupported discovery source: %s", *discoveryKind)
	}

	server := api.NewServer(api.Config{
		Store:     store,
		Gate:      g,
		Registrar: reg,
		Reflector: refl,
		Journal:   jrnl,
		Doc:       doc,
		Planes:    planeIDs,
		Token:     *token,
	})
	reg.OnEnrolled = func(planeID string, r registrar.Registration) {
		server.Events().Broadcast(api.Event{Type: "enrolled", PlaneID: planeID, NodeID: r.NodeID, Detail: r.AllowedAddress.String()})
	}
	if refl != nil {
		refl.OnReflected = func(planeID string, peers int) {
			server.Events().Broadcast(api.Event{Type: "reflected", PlaneID: planeID, Detail: strconv.Itoa(peers) + " peers"})
		}
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	log.Printf("hubd version=%s listening on %s, planes=%s", version.Build, *addr, strings.Join(planeIDs, ","))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func parsePlanes(s string) ([]planeSpec, error) {
	var specs []planeSpec
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("%q: want id:iface:subnet:port", part)
		}
		subnet, err := netip.ParsePrefix(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		port, err := strconv.Atoi(fields[3])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%q: bad port %q", part, fields[3])
		}
		if seen[fields[0]] {
			return nil, fmt.Errorf("duplicate plane id %q", fields[0])
		}
		seen[fields[0]] = true
		specs = append(specs, planeSpec{id: fields[0], iface: fields[1], subnet: subnet, port: port})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no planes configured")
	}
	return specs, nil
}

func buildSinks(planeIDs []string, sinkPlane, inventoryFile, targetsFile string, targetsPort int, mysqlInventory bool) []sinks.Sink {
	if sinkPlane == "" {
		sinkPlane = planeIDs[0]
	}
	var out []sinks.Sink
	if inventoryFile != "" {
		out = append(out, sinks.NewInventoryFileSink(inventoryFile, sinkPlane))
	}
	if targetsFile != "" {
		out = append(out, sinks.NewTargetsFileSink(targetsFile, sinkPlane, targetsPort))
	}
	if mysqlInventory {
		s, err := sinks.NewMySQLSink(sinkPlane)
		if err != nil {
			log.Printf("hubd: mysql inventory disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func loadDotEnv() {
	for _, p := range []string{".env", "/etc/backplane/.env"} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				log.Printf("hubd: load %s: %v", p, err)
			}
			return
		}
	}
}
