package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"backplane/pkg/metadata"
	"backplane/pkg/registrar"
)

// ErrGateClosed mirrors the hub-side rejection so callers can tell an
// admission refusal from an unreachable hub.
var ErrGateClosed = errors.New("hub rejected registration: enrollment gate closed")

// Client talks to the hub's registration API over the best-effort remote
// channel. Every call has a bounded timeout; Register additionally retries
// a fixed number of times since the hub may still be settling when a node
// first boots.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	Retries int
	Backoff time.Duration
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Retries: 3,
		Backoff: 2 * time.Second,
	}
}

// Register submits one plane registration, retrying transient failures.
// Caller errors (4xx) are terminal and returned immediately.
func (c *Client) Register(ctx context.Context, planeID string, reg registrar.Registration) error {
	url := fmt.Sprintf("%s/api/v1/planes/%s/peers", c.BaseURL, planeID)
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Backoff):
			}
			log.Printf("enroll: plane %s: retrying registration (attempt %d/%d)", planeID, attempt+1, c.Retries+1)
		}
		err := c.postJSON(ctx, url, reg)
		if err == nil {
			return nil
		}
		var te *terminalError
		if errors.As(err, &te) {
			return te.err
		}
		lastErr = err
	}
	return fmt.Errorf("plane %s: registration attempts exhausted: %w", planeID, lastErr)
}

// GateState queries whether the enrollment gate is currently open.
func (c *Client) GateState(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/gate", nil)
	if err != nil {
		return false, err
	}
	c.setAuth(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gate query: unexpected status %s", resp.Status)
	}
	var body struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Open, nil
}

// Metadata fetches the hub metadata document over the API, for nodes that
// were not handed a copy out-of-band.
func (c *Client) Metadata(ctx context.Context) (metadata.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/metadata", nil)
	if err != nil {
		return metadata.Document{}, err
	}
	c.setAuth(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return metadata.Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metadata.Document{}, fmt.Errorf("metadata fetch: unexpected status %s", resp.Status)
	}
	var doc metadata.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return metadata.Document{}, err
	}
	return doc, nil
}

// terminalError marks responses that must not be retried.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &terminalError{err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &terminalError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return &terminalError{ErrGateClosed}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &terminalError{fmt.Errorf("hub rejected registration: %s: %s", resp.Status, bytes.TrimSpace(msg))}
	default:
		return fmt.Errorf("hub returned %s", resp.Status)
	}
}

func (c *Client) setAuth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
