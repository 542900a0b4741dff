package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harborglow/hashlab/internal/cache"
	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/storage"
)

const gistAPIBase = "https://api.github.com/gists/"

// GistPayload is the document a LAN-side sync process publishes for a
// remote dashboard to read.
type GistPayload struct {
	LastUpdated  string                             `json:"last_updated"`
	SyncInterval int                                `json:"sync_interval"`
	MinerCount   int                                `json:"miner_count"`
	Miners       map[string]storage.TelemetrySample `json:"miners"`
}

type gistFile struct {
	Content string `json:"content"`
}

type gistDocument struct {
	Files map[string]gistFile `json:"files"`
}

// EncodeGistPayload renders a snapshot as a gist payload.
func EncodeGistPayload(snap *storage.FleetSnapshot, interval time.Duration) ([]byte, error) {
	payload := GistPayload{
		LastUpdated:  snap.Timestamp.UTC().Format(time.RFC3339Nano),
		SyncInterval: int(interval / time.Second),
		MinerCount:   len(snap.Miners),
		Miners:       snap.Miners,
	}
	return jsonx.MarshalIndent(payload, "", "  ")
}

// DecodeGistPayload accepts either the raw payload or a GitHub gist API
// document that carries it in files[filename].
func DecodeGistPayload(body []byte, filename string) (*storage.FleetSnapshot, error) {
	var doc gistDocument
	if err := jsonx.Unmarshal(body, &doc); err == nil && len(doc.Files) > 0 {
		f, ok := doc.Files[filename]
		if !ok {
			return nil, fmt.Errorf("gist has no file %q", filename)
		}
		body = []byte(f.Content)
	}

	var payload GistPayload
	if err := jsonx.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, payload.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("bad last_updated %q: %w", payload.LastUpdated, err)
	}

	samples := make([]storage.TelemetrySample, 0, len(payload.Miners))
	for name, s := range payload.Miners {
		s.Name = name
		if !s.Alive {
			s = OfflineSample(name)
		}
		samples = append(samples, s)
	}
	return storage.NewFleetSnapshot(ts, samples), nil
}

// RemoteSnapshot reads a published snapshot over HTTP, caching it for ttl
// and serving the last good copy when a refresh fails.
type RemoteSnapshot struct {
	url        string
	filename   string
	httpClient *http.Client
	cache      *cache.TTL[*storage.FleetSnapshot]
}

func NewRemoteSnapshot(url, filename string, ttl time.Duration) *RemoteSnapshot {
	return &RemoteSnapshot{
		url:        url,
		filename:   filename,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache.NewTTL[*storage.FleetSnapshot](ttl),
	}
}

// FetchSnapshot implements SnapshotSource.
func (r *RemoteSnapshot) FetchSnapshot(ctx context.Context) (*storage.FleetSnapshot, error) {
	res, err := r.cache.Get(ctx, r.fetch)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (r *RemoteSnapshot) fetch(ctx context.Context) (*storage.FleetSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote snapshot returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxInfoBody))
	if err != nil {
		return nil, err
	}
	return DecodeGistPayload(body, r.filename)
}

// GistPublisher pushes snapshots into a GitHub gist.
type GistPublisher struct {
	token      string
	id         string
	filename   string
	interval   time.Duration
	baseURL    string
	httpClient *http.Client
}

func NewGistPublisher(token, id, filename string, interval time.Duration) *GistPublisher {
	return &GistPublisher{
		token:      token,
		id:         id,
		filename:   filename,
		interval:   interval,
		baseURL:    gistAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish replaces the gist file with the snapshot.
func (g *GistPublisher) Publish(ctx context.Context, snap *storage.FleetSnapshot) error {
	content, err := EncodeGistPayload(snap, g.interval)
	if err != nil {
		return err
	}
	body, err := jsonx.Marshal(gistDocument{Files: map[string]gistFile{g.filename: {Content: string(content)}}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, g.baseURL+g.id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+g.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update gist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gist update returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
