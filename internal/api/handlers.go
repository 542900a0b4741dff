package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborglow/hashlab/internal/analysis"
	"github.com/harborglow/hashlab/internal/assistant"
	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/pool"
	"github.com/harborglow/hashlab/internal/pricing"
	"github.com/harborglow/hashlab/internal/scanner"
	"github.com/harborglow/hashlab/internal/storage"
)

// MinerView combines a configured miner with its latest sample
type MinerView struct {
	Name    string                   `json:"name"`
	Address string                   `json:"address"`
	Sample  *storage.TelemetrySample `json:"sample,omitempty"`
}

// handleHealth reports liveness without touching any miner.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":          "ok",
		"time":            time.Now().UTC(),
		"miners":          len(s.fleet.List()),
		"history_backend": s.cfg.History.Backend,
		"sampler":         s.sampler != nil && s.sampler.Enabled(),
	}
	if sized, ok := s.history.(storage.Sizer); ok {
		if n, err := sized.Size(); err == nil {
			resp["history_bytes"] = n
		}
	}
	if s.sampler != nil {
		if snap := s.sampler.Latest(); snap != nil {
			resp["last_sample"] = snap.Timestamp
		}
	}
	s.jsonResponse(w, resp)
}

// handleGetMiners returns configured miners with their latest sample
// GET /api/miners
func (s *Server) handleGetMiners(w http.ResponseWriter, r *http.Request) {
	var latest *storage.FleetSnapshot
	if s.sampler != nil {
		latest = s.sampler.Latest()
	}

	ids := s.fleet.List()
	result := make([]MinerView, 0, len(ids))
	for _, id := range ids {
		v := MinerView{Name: id.Name, Address: id.Address}
		if latest != nil {
			if sample, ok := latest.Miners[id.Name]; ok {
				v.Sample = &sample
			}
		}
		result = append(result, v)
	}
	s.jsonResponse(w, result)
}

// AddMinerRequest represents a request to add a miner
type AddMinerRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// handleAddMiner registers a miner by name and address
// POST /api/miners
func (s *Server) handleAddMiner(w http.ResponseWriter, r *http.Request) {
	var req AddMinerRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := s.fleet.Add(req.Name, req.Address)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	log.Printf("Added miner %s at %s", id.Name, id.Address)
	s.jsonStatus(w, http.StatusCreated, id)
}

// handleRemoveMiner removes a miner by name
// DELETE /api/miners/{name}
func (s *Server) handleRemoveMiner(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.fleet.Remove(name); err != nil {
		s.errorResponse(w, err)
		return
	}
	if s.alerts != nil {
		s.alerts.Forget(name)
	}
	log.Printf("Removed miner %s", name)
	s.jsonResponse(w, map[string]bool{"success": true})
}

// handleGetFleet polls every miner now and returns the samples by name. The
// snapshot is also logged to history; a failed write does not fail the
// request.
// GET /api/fleet
func (s *Server) handleGetFleet(w http.ResponseWriter, r *http.Request) {
	snap := s.poller.Poll(r.Context(), s.fleet.List())
	if !snap.Replayed {
		if err := s.history.Append(snap); err != nil {
			log.Printf("Failed to log fleet snapshot: %v", err)
		}
	}
	s.jsonResponse(w, snap.Miners)
}

// handleLogHistory polls and appends one snapshot, surfacing write errors.
// POST /api/history/log
func (s *Server) handleLogHistory(w http.ResponseWriter, r *http.Request) {
	snap := s.poller.Poll(r.Context(), s.fleet.List())
	logged := 0
	if !snap.Replayed {
		if err := s.history.Append(snap); err != nil {
			http.Error(w, "failed to log history: "+err.Error(), http.StatusInternalServerError)
			return
		}
		logged = len(snap.Miners)
	}
	s.jsonResponse(w, map[string]any{
		"logged":    logged,
		"remote":    snap.Remote,
		"online":    snap.OnlineCount(),
		"timestamp": snap.Timestamp,
	})
}

// parseLimit reads ?limit=N, applying the configured default and bounds.
func (s *Server) parseLimit(r *http.Request) (int, error) {
	h := s.cfg.History
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return h.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &config.ValidationError{Field: "limit", Reason: fmt.Sprintf("%q is not an integer", raw)}
	}
	if n < h.MinLimit || n > h.MaxLimit {
		return 0, &config.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between %d and %d", h.MinLimit, h.MaxLimit)}
	}
	return n, nil
}

// HistoryResponse is a window of rows plus its summary
type HistoryResponse struct {
	Samples int                     `json:"samples"`
	Limit   int                     `json:"limit"`
	Data    []storage.HistoryRow    `json:"data"`
	Summary analysis.HistorySummary `json:"summary"`
}

func (s *Server) loadWindow(limit int) ([]storage.HistoryRow, analysis.HistorySummary, error) {
	rows, err := s.history.LoadRecentWindow(limit)
	if err != nil {
		return nil, analysis.HistorySummary{}, err
	}
	if rows == nil {
		rows = []storage.HistoryRow{}
	}
	return rows, analysis.Summarize(rows), nil
}

// handleGetHistory returns the newest rows and their summary
// GET /api/history?limit=N
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := s.parseLimit(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	rows, summary, err := s.loadWindow(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, HistoryResponse{Samples: len(rows), Limit: limit, Data: rows, Summary: summary})
}

// currentSnapshot prefers the sampler's latest snapshot and polls when there
// is none yet.
func (s *Server) currentSnapshot(ctx context.Context) *storage.FleetSnapshot {
	if s.sampler != nil {
		if snap := s.sampler.Latest(); snap != nil {
			return snap
		}
	}
	return s.poller.Poll(ctx, s.fleet.List())
}

// handleGetAnalysis returns fleet health signals
// GET /api/analysis?limit=N
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	limit, err := s.parseLimit(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	_, summary, err := s.loadWindow(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, analysis.AnalyzeFleet(s.currentSnapshot(r.Context()), summary))
}

func (s *Server) compare(ctx context.Context, snap *storage.FleetSnapshot) pool.Comparison {
	if s.pool == nil {
		cmp := pool.Comparison{
			Timestamp: time.Now().UTC(),
			Local:     map[string]storage.TelemetrySample{},
			Pool:      map[string]pool.WorkerRecord{},
			Error:     pool.ErrNotConfigured.Error(),
		}
		if snap != nil {
			cmp.Local = snap.Miners
			cmp.Timestamp = snap.Timestamp
		}
		return cmp
	}
	return s.pool.Compare(ctx, snap)
}

// handleGetPool compares local samples with pool worker stats
// GET /api/pool
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.compare(r.Context(), s.currentSnapshot(r.Context())))
}

// handleGetPoolMapping returns the {localName: workerName} table
// GET /api/pool/mapping
func (s *Server) handleGetPoolMapping(w http.ResponseWriter, r *http.Request) {
	table := map[string]string{}
	if s.mapping != nil {
		table = s.mapping.Mapping().Table()
	}
	s.jsonResponse(w, table)
}

// handlePutPoolMapping replaces the mapping table
// PUT /api/pool/mapping
func (s *Server) handlePutPoolMapping(w http.ResponseWriter, r *http.Request) {
	if s.mapping == nil {
		http.Error(w, "pool mapping is not configured", http.StatusServiceUnavailable)
		return
	}
	var table map[string]string
	if err := decodeBody(r, &table); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := s.mapping.Replace(table)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, m.Table())
}

func (s *Server) quote(ctx context.Context) (*pricing.Quote, error) {
	if s.pricing == nil {
		return nil, pricing.ErrNoPrice
	}
	q, err := s.pricing.BTCQuote(ctx)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// assistantInput gathers everything a reply may mention. Pool and price
// lookups are best effort.
func (s *Server) assistantInput(ctx context.Context) (assistant.Input, error) {
	_, summary, err := s.loadWindow(s.cfg.History.DefaultLimit)
	if err != nil {
		return assistant.Input{}, err
	}
	snap := s.currentSnapshot(ctx)
	in := assistant.Input{
		Analysis: analysis.AnalyzeFleet(snap, summary),
		Summary:  summary,
		Snapshot: snap,
	}
	if s.pool != nil {
		cmp := s.pool.Compare(ctx, snap)
		in.Pool = &cmp
	}
	if q, err := s.quote(ctx); err == nil {
		in.Price = q
	}
	return in, nil
}

// handleAssistant answers a question, or narrates the fleet when none is asked
// GET /api/assistant?q=...
// POST /api/assistant {"question": "..."}
func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("q")
	if r.Method == http.MethodPost {
		var req struct {
			Question string `json:"question"`
		}
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Question != "" {
			question = req.Question
		}
	}

	in, err := s.assistantInput(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	question = strings.TrimSpace(question)
	if question == "" {
		s.jsonResponse(w, assistant.Narrate(in))
		return
	}
	s.jsonResponse(w, assistant.Answer(question, in))
}

// handleGetTuning recommends settings for the live fleet
// GET /api/tuning
func (s *Server) handleGetTuning(w http.ResponseWriter, r *http.Request) {
	inputs := assistant.TuningInputs(s.currentSnapshot(r.Context()))
	s.jsonResponse(w, assistant.Recommend(inputs))
}

// handlePostTuning recommends settings for caller-supplied figures
// POST /api/tuning
func (s *Server) handlePostTuning(w http.ResponseWriter, r *http.Request) {
	var inputs []assistant.TuningInput
	if err := decodeBody(r, &inputs); err != nil {
		http.Error(w, "expected a JSON list of miners", http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, assistant.Recommend(inputs))
}

// handleGetPrice returns the BTC spot quote
// GET /api/price
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.quote(r.Context())
	if err != nil {
		http.Error(w, "price unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, q)
}

// handleTestAlert sends a test alert through the configured webhook.
// POST /api/alerts/test
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		http.Error(w, "alerts are disabled", http.StatusBadRequest)
		return
	}
	if err := s.alerts.SendTest(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, map[string]bool{"success": true})
}

// ScanResponse represents the scan results
type ScanResponse struct {
	Subnets []string             `json:"subnets"`
	Results []scanner.ScanResult `json:"results"`
}

// handleScan probes a subnet (or every local /24) for miners
// POST /api/scan {"subnet": "192.168.1.0/24"}
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, "scanner is not available", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Subnet string `json:"subnet"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	subnets := scanner.DetectAllSubnets()
	if req.Subnet != "" {
		subnets = []string{strings.TrimSpace(req.Subnet)}
	}
	if len(subnets) == 0 {
		http.Error(w, "no network interfaces found", http.StatusInternalServerError)
		return
	}

	log.Printf("Scanning subnets: %v", subnets)

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	results := []scanner.ScanResult{}
	seen := make(map[string]bool)
	for _, subnet := range subnets {
		found, err := s.scanner.Scan(ctx, subnet)
		if err != nil {
			if req.Subnet != "" && len(found) == 0 {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Printf("Error scanning subnet %s: %v", subnet, err)
		}
		for _, res := range found {
			// same miner can show up through two interfaces
			if !seen[res.Address] {
				seen[res.Address] = true
				results = append(results, res)
			}
		}
	}

	log.Printf("Scan complete: found %d miners", len(results))
	s.jsonResponse(w, ScanResponse{Subnets: subnets, Results: results})
}

// handleStatic serves the dashboard, falling back to index.html for
// unknown paths.
// GET /*
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	dir := s.cfg.Server.StaticDir
	indexPath := filepath.Join(dir, "index.html")

	path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		if _, err := os.Stat(indexPath); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		path = indexPath
	}

	if strings.HasSuffix(path, ".js") {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	}
	http.ServeFile(w, r, path)
}

// errorResponse maps domain errors to status codes.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, config.ErrDuplicateMiner):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, config.ErrMinerNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// jsonResponse sends a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	s.jsonStatus(w, http.StatusOK, data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, status int, data any) {
	body, err := jsonx.Marshal(data)
	if err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func readLimited(r io.Reader, n int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, n+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > n {
		return nil, fmt.Errorf("request body larger than %d bytes", n)
	}
	return body, nil
}
