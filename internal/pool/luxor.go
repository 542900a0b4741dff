// Package pool fetches pool-side worker statistics and reconciles them with
// locally configured miners.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harborglow/hashlab/internal/jsonx"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("pool API key not configured")

// WorkerStatus is the pool's view of a worker.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "Active"
	WorkerInactive WorkerStatus = "Inactive"
	WorkerUnknown  WorkerStatus = "Unknown"
)

// WorkerRecord is one worker as reported by the pool.
type WorkerRecord struct {
	WorkerName  string       `json:"worker_name"`
	HashrateHs  float64      `json:"hashrate"`
	HashrateTHs float64      `json:"hashrate_ths"`
	Efficiency  float64      `json:"efficiency"`
	Status      WorkerStatus `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// LuxorClient reads the Luxor v2 workers endpoint.
type LuxorClient struct {
	baseURL    string
	apiKey     string
	subaccount string
	httpClient *http.Client
}

// LuxorOption configures a LuxorClient.
type LuxorOption func(*LuxorClient)

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) LuxorOption {
	return func(l *LuxorClient) { l.httpClient = c }
}

func NewLuxorClient(baseURL, apiKey, subaccount string, opts ...LuxorOption) *LuxorClient {
	c := &LuxorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		subaccount: subaccount,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is present.
func (c *LuxorClient) Configured() bool { return c.apiKey != "" }

// FetchWorkers returns active workers for the configured subaccount.
func (c *LuxorClient) FetchWorkers(ctx context.Context) ([]WorkerRecord, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	if c.subaccount != "" {
		q.Set("subaccount_names", c.subaccount)
	}
	q.Set("status", "active")
	q.Set("limit", "250")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pool/workers/BTC?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool workers: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read pool response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pool API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return ParseWorkers(body)
}

// ParseWorkers accepts a bare list or an object carrying the list under
// "data" or "workers".
func ParseWorkers(body []byte) ([]WorkerRecord, error) {
	var raw any
	if err := jsonx.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode pool response: %w", err)
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
	keys:
		for _, key := range []string{"data", "workers"} {
			switch inner := v[key].(type) {
			case []any:
				items = inner
				break keys
			case map[string]any:
				items = []any{inner}
				break keys
			}
		}
	}

	out := make([]WorkerRecord, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec := parseWorker(m)
		if rec.WorkerName == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseWorker(m map[string]any) WorkerRecord {
	hs := number(m, "hashrate", "hashRate")
	return WorkerRecord{
		WorkerName:  strings.TrimSpace(str(m, "name", "workerName", "worker_name")),
		HashrateHs:  hs,
		HashrateTHs: hs / 1e12,
		Efficiency:  number(m, "efficiency"),
		Status:      parseStatus(str(m, "status")),
		UpdatedAt:   parseTime(m, "updatedAt", "updated_at", "last_share_time"),
	}
}

func parseStatus(s string) WorkerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "online":
		return WorkerActive
	case "inactive", "offline":
		return WorkerInactive
	}
	return WorkerUnknown
}

func number(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		var f float64
		switch v := m[k].(type) {
		case float64:
			f = v
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			f = parsed
		default:
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return f
	}
	return 0
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func parseTime(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC()
			}
		}
	}
	return time.Time{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
