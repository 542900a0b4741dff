package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborglow/hashlab/internal/collector"
	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/pool"
	"github.com/harborglow/hashlab/internal/storage"
)

const testPassword = "correct-horse-battery"

type fakeDevices struct {
	mu      sync.Mutex
	samples map[string]storage.TelemetrySample
}

func (f *fakeDevices) Fetch(_ context.Context, id storage.MinerIdentity) storage.TelemetrySample {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.samples[id.Name]; ok {
		return s
	}
	return collector.OfflineSample(id.Name)
}

type failingHistory struct{ storage.HistoryStore }

func (failingHistory) Append(*storage.FleetSnapshot) error { return errors.New("disk full") }

type fakeWorkers struct{ workers []pool.WorkerRecord }

func (f fakeWorkers) FetchWorkers(context.Context) ([]pool.WorkerRecord, error) {
	return f.workers, nil
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	history storage.HistoryStore
	cookie  *http.Cookie
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Auth.Password = testPassword
	cfg.Auth.SessionSecret = "test-secret"
	cfg.Server.StaticDir = filepath.Join(dir, "web")

	fleet, err := config.LoadFleetStore(filepath.Join(dir, "miners_config.json"))
	if err != nil {
		t.Fatalf("LoadFleetStore: %v", err)
	}
	history, err := storage.NewCSVHistory(filepath.Join(dir, "logs", "metrics.csv"))
	if err != nil {
		t.Fatalf("NewCSVHistory: %v", err)
	}
	mapping, err := pool.LoadMappingStore(filepath.Join(dir, "pool_mapping.json"))
	if err != nil {
		t.Fatalf("LoadMappingStore: %v", err)
	}
	devices := &fakeDevices{samples: map[string]storage.TelemetrySample{
		"garage": {Name: "garage", Kind: storage.DeviceBG02, Hashrate1m: 1.2, Hashrate24h: 1.1, Power: 30,
			Efficiency: 25, Temp: 62, SharesAccepted: 100, Alive: true, Status: storage.StatusOK},
	}}

	d := Deps{
		Config:  cfg,
		Fleet:   fleet,
		History: history,
		Poller:  collector.NewPoller(devices),
		Mapping: mapping,
	}
	if mutate != nil {
		mutate(&d)
	}
	srv, err := NewServer(d)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{srv: srv, ts: ts, history: d.History}
	env.cookie = env.login(t, testPassword)
	return env
}

func (e *testEnv) login(t *testing.T, password string) *http.Cookie {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/login", "application/json", strings.NewReader(`{"password":"`+password+`"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			return c
		}
	}
	return nil
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, e.ts.URL+path, r)
	req.Header.Set("Content-Type", "application/json")
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := jsonx.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.cookie == nil {
		t.Fatal("login with the right password set no cookie")
	}

	anon := *env
	anon.cookie = nil
	if code, _ := anon.do(t, "GET", "/api/miners", ""); code != http.StatusUnauthorized {
		t.Errorf("anonymous GET /api/miners = %d", code)
	}
	if code, _ := anon.do(t, "GET", "/health", ""); code != http.StatusOK {
		t.Errorf("GET /health = %d", code)
	}
	if env.login(t, "wrong") != nil {
		t.Error("wrong password was accepted")
	}

	anon.cookie = &http.Cookie{Name: SessionCookie, Value: "not-a-token"}
	if code, _ := anon.do(t, "GET", "/api/miners", ""); code != http.StatusUnauthorized {
		t.Errorf("garbage cookie = %d", code)
	}

	if code, _ := env.do(t, "GET", "/api/miners", ""); code != http.StatusOK {
		t.Errorf("authenticated GET /api/miners = %d", code)
	}
}

func TestAuthenticator_RejectsExpiredAndForeignTokens(t *testing.T) {
	a, err := newAuthenticator(config.AuthConfig{Password: "pw", SessionSecret: "one", SessionHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := a.issue()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.verify(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	later := time.Now().Add(2 * time.Hour)
	a.now = func() time.Time { return later }
	if a.verify(token) == nil {
		t.Error("expired token accepted")
	}

	other, _ := newAuthenticator(config.AuthConfig{Password: "pw", SessionSecret: "two"})
	if other.verify(token) == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestAuthenticator_GeneratesPassword(t *testing.T) {
	a, err := newAuthenticator(config.AuthConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.password) == 0 || strings.Count(string(a.password), "-") != 2 {
		t.Errorf("generated password = %q", a.password)
	}
	if len(a.secret) != 32 {
		t.Errorf("generated secret length = %d", len(a.secret))
	}
}

func TestMinersCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.20"}`)
	if code != http.StatusCreated {
		t.Fatalf("add = %d %s", code, body)
	}
	if code, _ := env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.21"}`); code != http.StatusConflict {
		t.Errorf("duplicate add = %d", code)
	}
	if code, _ := env.do(t, "POST", "/api/miners", `{"name":"shed","address":"not a host!"}`); code != http.StatusBadRequest {
		t.Errorf("bad address = %d", code)
	}
	if code, _ := env.do(t, "POST", "/api/miners", `{`); code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d", code)
	}

	_, body = env.do(t, "GET", "/api/miners", "")
	miners := decode[[]MinerView](t, body)
	if len(miners) != 1 || miners[0].Address != "192.168.1.20" {
		t.Errorf("miners = %+v", miners)
	}

	if code, _ := env.do(t, "DELETE", "/api/miners/nope", ""); code != http.StatusNotFound {
		t.Errorf("delete missing = %d", code)
	}
	if code, _ := env.do(t, "DELETE", "/api/miners/garage", ""); code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
}

func TestFleetAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.20"}`)
	env.do(t, "POST", "/api/miners", `{"name":"shed","address":"192.168.1.21"}`)

	code, body := env.do(t, "GET", "/api/fleet", "")
	if code != http.StatusOK {
		t.Fatalf("fleet = %d", code)
	}
	fleet := decode[map[string]storage.TelemetrySample](t, body)
	if !fleet["garage"].Alive || fleet["shed"].Alive || fleet["shed"].Status != storage.StatusOffline {
		t.Errorf("fleet = %+v", fleet)
	}

	if code, body := env.do(t, "POST", "/api/history/log", ""); code != http.StatusOK {
		t.Fatalf("history/log = %d %s", code, body)
	}

	code, body = env.do(t, "GET", "/api/history", "")
	if code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	hist := decode[HistoryResponse](t, body)
	if hist.Samples != 4 || hist.Limit != 288 || len(hist.Data) != 4 {
		t.Errorf("history = samples %d limit %d rows %d", hist.Samples, hist.Limit, len(hist.Data))
	}
	if len(hist.Summary.HashrateSeries) != 2 || hist.Summary.Trend != "stable" {
		t.Errorf("summary = %+v", hist.Summary)
	}

	_, body = env.do(t, "GET", "/api/history?limit=1", "")
	if got := decode[HistoryResponse](t, body); got.Samples != 1 || got.Data[0].Name != "shed" {
		t.Errorf("limit=1 = %+v", got)
	}

	for _, q := range []string{"abc", "0", "5001", "-3", "1.5"} {
		if code, _ := env.do(t, "GET", "/api/history?limit="+q, ""); code != http.StatusBadRequest {
			t.Errorf("limit=%s = %d, want 400", q, code)
		}
	}

	code, body = env.do(t, "GET", "/api/analysis", "")
	if code != http.StatusOK {
		t.Fatalf("analysis = %d", code)
	}
	if a := decode[map[string]any](t, body); a["online_miners"] != float64(1) || a["total_miners"] != float64(2) {
		t.Errorf("analysis = %v", a)
	}
}

func TestHistoryWriteFailure(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.History = failingHistory{d.History}
	})
	env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.20"}`)

	if code, _ := env.do(t, "POST", "/api/history/log", ""); code != http.StatusInternalServerError {
		t.Errorf("history/log with failing store = %d, want 500", code)
	}
	if code, _ := env.do(t, "GET", "/api/fleet", ""); code != http.StatusOK {
		t.Errorf("fleet with failing store = %d, want 200", code)
	}
}

type remoteSource struct{ snap *storage.FleetSnapshot }

func (r remoteSource) FetchSnapshot(context.Context) (*storage.FleetSnapshot, error) {
	return r.snap, nil
}

func TestRemoteSnapshotLoggedOnce(t *testing.T) {
	remote := storage.NewFleetSnapshot(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		[]storage.TelemetrySample{{Name: "attic", Alive: true, Hashrate1m: 10, Status: storage.StatusOK}})
	env := newTestEnv(t, func(d *Deps) {
		d.Poller = collector.NewPoller(&fakeDevices{}, collector.WithFallback(remoteSource{remote}))
	})
	env.do(t, "POST", "/api/miners", `{"name":"attic","address":"192.168.1.30"}`)

	for i := 0; i < 2; i++ {
		code, body := env.do(t, "GET", "/api/fleet", "")
		if fleet := decode[map[string]storage.TelemetrySample](t, body); code != http.StatusOK || fleet["attic"].Hashrate1m != 10 {
			t.Fatalf("fleet = %d %s", code, body)
		}
	}
	code, body := env.do(t, "POST", "/api/history/log", "")
	if code != http.StatusOK {
		t.Fatalf("history/log = %d", code)
	}
	if got := decode[map[string]any](t, body); got["logged"] != float64(0) || got["remote"] != true {
		t.Errorf("history/log = %v, want logged 0 remote true", got)
	}

	_, body = env.do(t, "GET", "/api/history", "")
	hist := decode[HistoryResponse](t, body)
	if hist.Samples != 1 || len(hist.Summary.HashrateSeries) != 1 || hist.Summary.PeakHashrate != 10 {
		t.Errorf("history = samples %d summary %+v", hist.Samples, hist.Summary)
	}
}

func TestHealthReportsHistorySize(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		db, err := storage.NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("NewSQLiteHistory: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		d.History = db
		d.Config.History.Backend = "sqlite"
	})
	code, body := env.do(t, "GET", "/health", "")
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	got := decode[map[string]any](t, body)
	if size, _ := got["history_bytes"].(float64); got["history_backend"] != "sqlite" || size <= 0 {
		t.Errorf("health = %v", got)
	}

	csvEnv := newTestEnv(t, nil)
	_, body = csvEnv.do(t, "GET", "/health", "")
	if _, ok := decode[map[string]any](t, body)["history_bytes"]; ok {
		t.Error("csv backend should not report history_bytes")
	}
}

func TestForwardEventsEndsWhenSamplerStops(t *testing.T) {
	var sampler *collector.Sampler
	env := newTestEnv(t, func(d *Deps) {
		sampler = collector.NewSampler(d.Fleet, d.Poller, d.History, time.Hour)
		d.Sampler = sampler
	})
	defer env.srv.hub.Stop()

	done := make(chan struct{})
	go func() {
		env.srv.forwardEvents()
		close(done)
	}()

	sampler.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwardEvents still running after sampler stopped")
	}
}

func TestPoolEndpoints(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Pool = pool.NewService(fakeWorkers{workers: []pool.WorkerRecord{
			{WorkerName: "acct.w1", HashrateTHs: 1.1, Status: pool.WorkerActive},
			{WorkerName: "acct.stray", HashrateTHs: 0.4, Status: pool.WorkerActive},
		}}, d.Mapping, time.Minute)
	})
	env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.20"}`)

	if code, body := env.do(t, "PUT", "/api/pool/mapping", `{"garage":"acct.w1"}`); code != http.StatusOK {
		t.Fatalf("put mapping = %d %s", code, body)
	}
	if code, _ := env.do(t, "PUT", "/api/pool/mapping", `{"a":"w","b":"w"}`); code != http.StatusBadRequest {
		t.Errorf("conflicting mapping = %d, want 400", code)
	}
	_, body := env.do(t, "GET", "/api/pool/mapping", "")
	if m := decode[map[string]string](t, body); m["garage"] != "acct.w1" || len(m) != 1 {
		t.Errorf("mapping = %v", m)
	}

	code, body := env.do(t, "GET", "/api/pool", "")
	if code != http.StatusOK {
		t.Fatalf("pool = %d", code)
	}
	cmp := decode[pool.Comparison](t, body)
	if !cmp.Available || len(cmp.Pool) != 1 || cmp.Pool["garage"].WorkerName != "acct.w1" {
		t.Errorf("comparison = %+v", cmp)
	}
	if len(cmp.Unmapped) != 1 || cmp.Unmapped[0] != "acct.stray" {
		t.Errorf("unmapped = %v", cmp.Unmapped)
	}
}

func TestPoolNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, "GET", "/api/pool", "")
	if cmp := decode[pool.Comparison](t, body); cmp.Available || cmp.Error == "" {
		t.Errorf("comparison = %+v", cmp)
	}
}

func TestAssistantAndTuning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/miners", `{"name":"garage","address":"192.168.1.20"}`)
	env.do(t, "POST", "/api/miners", `{"name":"shed","address":"192.168.1.21"}`)

	_, body := env.do(t, "GET", "/api/assistant?q=which+miners+are+offline", "")
	reply := decode[map[string]any](t, body)
	if reply["topic"] != "offline" || !strings.Contains(reply["text"].(string), "shed") {
		t.Errorf("reply = %v", reply)
	}

	_, body = env.do(t, "POST", "/api/assistant", `{"question":"btc price"}`)
	if reply := decode[map[string]any](t, body); reply["text"] != "No BTC price is available right now." {
		t.Errorf("price reply = %v", reply)
	}

	_, body = env.do(t, "GET", "/api/tuning", "")
	recs := decode[[]map[string]any](t, body)
	if len(recs) != 2 || recs[0]["minerId"] != "garage" || recs[1]["recommendation"] != "No change needed" {
		t.Errorf("tuning = %v", recs)
	}

	_, body = env.do(t, "POST", "/api/tuning", `[{"minerId":"x","tempC":80,"efficiencyWTH":40}]`)
	recs = decode[[]map[string]any](t, body)
	if len(recs) != 1 || !strings.HasPrefix(recs[0]["recommendation"].(string), "Reduce voltage") {
		t.Errorf("posted tuning = %v", recs)
	}
	if code, _ := env.do(t, "POST", "/api/tuning", `{"not":"a list"}`); code != http.StatusBadRequest {
		t.Errorf("bad tuning body = %d", code)
	}
}

func TestOptionalFeaturesUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	if code, _ := env.do(t, "GET", "/api/price", ""); code != http.StatusServiceUnavailable {
		t.Errorf("price = %d, want 503", code)
	}
	if code, _ := env.do(t, "POST", "/api/scan", ""); code != http.StatusServiceUnavailable {
		t.Errorf("scan = %d, want 503", code)
	}
	if code, _ := env.do(t, "POST", "/api/alerts/test", ""); code != http.StatusBadRequest {
		t.Errorf("alerts/test = %d, want 400", code)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	go env.srv.hub.Run()
	defer env.srv.hub.Stop()

	header := http.Header{}
	header.Add("Cookie", SessionCookie+"="+env.cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.ts.URL, "http")+"/api/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := storage.NewFleetSnapshot(time.Now(), []storage.TelemetrySample{{Name: "garage", Alive: true, Status: storage.StatusOK}})
	env.srv.handleSnapshot(snap)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string                `json:"type"`
		Data storage.FleetSnapshot `json:"data"`
	}
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" || !msg.Data.Miners["garage"].Alive {
		t.Errorf("message = %s", data)
	}
}

func TestStaticFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	if code, _ := env.do(t, "GET", "/dashboard", ""); code != http.StatusNotFound {
		t.Errorf("missing index = %d", code)
	}
}
