package collector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/storage"
)

func TestGistPayloadRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	snap := storage.NewFleetSnapshot(ts, []storage.TelemetrySample{
		{Name: "a", Kind: storage.DeviceNerdQ, Alive: true, Hashrate1m: 4.8, Status: storage.StatusOK},
		OfflineSample("b"),
	})

	body, err := EncodeGistPayload(snap, time.Minute)
	if err != nil {
		t.Fatalf("EncodeGistPayload: %v", err)
	}
	if !strings.Contains(string(body), `"miner_count": 2`) {
		t.Errorf("payload missing miner_count: %s", body)
	}

	got, err := DecodeGistPayload(body, "miner_data.json")
	if err != nil {
		t.Fatalf("DecodeGistPayload: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Miners["a"].Hashrate1m != 4.8 || got.Miners["b"].Alive {
		t.Errorf("miners = %+v", got.Miners)
	}
}

func TestDecodeGistPayload_APIDocument(t *testing.T) {
	inner := `{"last_updated":"2024-05-01T12:00:00.5Z","miners":{"rig":{"hashrate_1m":2,"alive":true,"status":"OK"},"dead":{"hashrate_1m":5,"alive":false}}}`
	doc, _ := jsonx.Marshal(map[string]any{
		"files": map[string]any{"miner_data.json": map[string]string{"content": inner}},
	})

	snap, err := DecodeGistPayload(doc, "miner_data.json")
	if err != nil {
		t.Fatalf("DecodeGistPayload: %v", err)
	}
	if snap.Miners["rig"].Name != "rig" || snap.Miners["rig"].Hashrate1m != 2 {
		t.Errorf("rig = %+v", snap.Miners["rig"])
	}
	if d := snap.Miners["dead"]; d.Hashrate1m != 0 || d.Status != storage.StatusOffline {
		t.Errorf("offline entry not zeroed: %+v", d)
	}

	if _, err := DecodeGistPayload(doc, "other.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRemoteSnapshot_CachesAndFallsBack(t *testing.T) {
	hits := 0
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"last_updated":"2024-05-01T12:00:00Z","miners":{"a":{"hashrate_1m":1,"alive":true}}}`))
	}))
	defer srv.Close()

	r := NewRemoteSnapshot(srv.URL, "miner_data.json", time.Hour)
	if _, err := r.FetchSnapshot(context.Background()); err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if _, err := r.FetchSnapshot(context.Background()); err != nil || hits != 1 {
		t.Fatalf("second fetch: err=%v hits=%d, want cached", err, hits)
	}

	r.cache.Invalidate()
	fail = true
	snap, err := r.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if snap.Miners["a"].Hashrate1m != 1 {
		t.Errorf("stale snapshot wrong: %+v", snap.Miners)
	}
}

func TestGistPublisher_Publish(t *testing.T) {
	var gotMethod, gotAuth, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotAuth, gotPath = r.Method, r.Header.Get("Authorization"), r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewGistPublisher("tok", "abc123", "miner_data.json", time.Minute)
	p.baseURL = srv.URL + "/gists/"

	snap := storage.NewFleetSnapshot(time.Now(), []storage.TelemetrySample{{Name: "a", Alive: true}})
	if err := p.Publish(context.Background(), snap); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotMethod != http.MethodPatch || gotAuth != "token tok" || gotPath != "/gists/abc123" {
		t.Errorf("request = %s %s auth=%q", gotMethod, gotPath, gotAuth)
	}

	decoded, err := DecodeGistPayload(gotBody, "miner_data.json")
	if err != nil {
		t.Fatalf("published body not decodable: %v", err)
	}
	if !decoded.Miners["a"].Alive {
		t.Error("published miner lost")
	}
}

func TestGistPublisher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewGistPublisher("bad", "id", "f.json", time.Minute)
	p.baseURL = srv.URL + "/"
	err := p.Publish(context.Background(), storage.NewFleetSnapshot(time.Now(), nil))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status 401", err)
	}
}
