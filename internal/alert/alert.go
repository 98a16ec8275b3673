// Package alert implements the outbound heartbeat and alert clients (spec
// §6.5) plus the rate-limiting policy described in §7: at most one
// critical alert per hour per unique range, and at most one warning per
// degraded-state transition.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blockpipe/ingestor/internal/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Severity mirrors the taxonomy in spec §7.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const criticalRateLimit = time.Hour

// Client sends heartbeat pings and push alerts to the configured outbound
// endpoints. Either URL may be empty, in which case the corresponding send
// is a no-op.
type Client struct {
	heartbeatURL string
	alertURL     string
	alertToken   string
	http         *http.Client
	log          log.Logger

	mu          sync.Mutex
	lastCritical map[string]time.Time
	degraded    bool
}

// New constructs a Client. heartbeatURL and alertURL are both optional
// (spec §6.4); alertToken is required whenever alertURL is set.
func New(heartbeatURL, alertURL, alertToken string) *Client {
	return &Client{
		heartbeatURL: heartbeatURL,
		alertURL:     alertURL,
		alertToken:   alertToken,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log.New("component", "alert"),
		lastCritical: make(map[string]time.Time),
	}
}

// Heartbeat sends a GET to HEARTBEAT_URL with the last tip and tip age
// (spec §6.5). Called on each successful audit pass and each
// StreamProducer write tick.
func (c *Client) Heartbeat(ctx context.Context, tip uint64, tipAge time.Duration) {
	if c.heartbeatURL == "" {
		return
	}
	url := fmt.Sprintf("%s?tip=%d&tip_age_seconds=%d", c.heartbeatURL, tip, int64(tipAge.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Warn("build heartbeat request failed", "err", err)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("heartbeat send failed", "err", err)
		return
	}
	defer resp.Body.Close()
	metrics.HeartbeatSentMeter.Mark(1)
}

type alertPayload struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail"`
}

// Critical sends a critical alert for an unresolved gap, rate-limited to
// one per hour per unique (lo, hi) range (spec §7).
func (c *Client) Critical(ctx context.Context, lo, hi uint64, detail string) {
	key := fmt.Sprintf("%d-%d", lo, hi)
	if !c.allowCritical(key) {
		metrics.AlertSuppressedMeter.Mark(1)
		return
	}
	c.send(ctx, alertPayload{
		Severity: SeverityCritical,
		Title:    fmt.Sprintf("persistent gap [%d, %d]", lo, hi),
		Detail:   detail,
	})
}

// Warning sends a degraded-state warning at most once per transition: a
// second call while already degraded is suppressed until ClearDegraded is
// called on recovery (spec §7).
func (c *Client) Warning(ctx context.Context, detail string) {
	c.mu.Lock()
	alreadyWarned := c.degraded
	c.degraded = true
	c.mu.Unlock()

	if alreadyWarned {
		metrics.AlertSuppressedMeter.Mark(1)
		return
	}
	c.send(ctx, alertPayload{Severity: SeverityWarning, Title: "ingestion degraded", Detail: detail})
}

// ClearDegraded resets the warning-transition latch once a pass returns to
// healthy, so the next degradation sends a fresh warning.
func (c *Client) ClearDegraded() {
	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
}

func (c *Client) allowCritical(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.lastCritical[key]
	if seen && time.Since(last) < criticalRateLimit {
		return false
	}
	c.lastCritical[key] = time.Now()
	return true
}

func (c *Client) send(ctx context.Context, payload alertPayload) {
	if c.alertURL == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("encode alert payload failed", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.alertURL, bytes.NewReader(body))
	if err != nil {
		c.log.Error("build alert request failed", "err", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.alertToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("send alert failed", "severity", payload.Severity, "err", err)
		return
	}
	defer resp.Body.Close()
	metrics.AlertSentMeter.Mark(1)
}
