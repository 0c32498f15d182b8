// planectl drives the hub API from an operator shell: gate control,
// plane inspection, and manual convergence.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"backplane/pkg/version"
)

const usage = `usage: planectl [-hub URL] [-token TOKEN] <command> [args]

commands:
  gate status            show whether the enrollment gate is open
  gate open [-ttl DUR]   open the gate, optionally auto-closing after DUR
  gate close             close the gate
  planes                 list planes
  peers <plane>          list a plane's peer table
  reflect                trigger one convergence cycle now
  metadata               print the hub metadata document
  journal [-limit N]     show recent registrations
  version                print version
`

type cli struct {
	hub   string
	token string
	http  *http.Client
}

func main() {
	log.SetFlags(0)

	hub := flag.String("hub", envOr("HUB_ADDR", "http://127.0.0.1:8440"), "hub base URL (env HUB_ADDR)")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "operator token (env AUTH_TOKEN)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &cli{hub: *hub, token: *token, http: &http.Client{Timeout: 15 * time.Second}}

	var err error
	switch args[0] {
	case "gate":
		err = c.gate(args[1:])
	case "planes":
		err = c.get("/api/v1/planes")
	case "peers":
		if len(args) != 2 {
			err = fmt.Errorf("usage: planectl peers <plane>")
		} else {
			err = c.get("/api/v1/planes/" + args[1] + "/peers")
		}
	case "reflect":
		err = c.post("/api/v1/reflect", nil)
	case "metadata":
		err = c.get("/api/v1/metadata")
	case "journal":
		err = c.journal(args[1:])
	case "version":
		fmt.Printf("planectl version=%s\n", version.Build)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("planectl: %v", err)
	}
}

func (c *cli) gate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: planectl gate status|open|close")
	}
	switch args[0] {
	case "status":
		return c.get("/api/v1/gate")
	case "open":
		fs := flag.NewFlagSet("gate open", flag.ExitOnError)
		ttl := fs.Duration("ttl", 0, "auto-close after this duration (e.g. 30m)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		var body map[string]int
		if *ttl > 0 {
			body = map[string]int{"ttlSeconds": int(ttl.Seconds())}
		}
		return c.post("/api/v1/gate/open", body)
	case "close":
		return c.post("/api/v1/gate/close", nil)
	default:
		return fmt.Errorf("unknown gate command %q", args[0])
	}
}

func (c *cli) journal(args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	limit := fs.Int("limit", 50, "entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.get(fmt.Sprintf("/api/v1/journal?limit=%d", *limit))
}

func (c *cli) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.hub+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *cli) post(path string, payload any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.hub+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *cli) do(req *http.Request) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hub returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	// Re-indent for the terminal; fall back to raw output.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(b), "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(b)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
