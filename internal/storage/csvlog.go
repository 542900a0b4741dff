package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// csvColumns is the fixed on-disk column order.
var csvColumns = []string{
	"timestamp", "name", "hashrate_1m", "hashrate_24h", "power", "efficiency",
	"temp", "chipTemp", "sharesAccepted", "sharesRejected", "alive",
}

// CSVHistory is an append-only CSV log of history rows.
type CSVHistory struct {
	path string
	mu   sync.RWMutex
}

// NewCSVHistory prepares a CSV log at path; the file is created on first
// append.
func NewCSVHistory(path string) (*CSVHistory, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}
	return &CSVHistory{path: path}, nil
}

// Path returns the log location.
func (h *CSVHistory) Path() string { return h.path }

// Append encodes the whole snapshot into one buffer and writes it with a
// single call, so rows of concurrent appends never interleave.
func (h *CSVHistory) Append(snap *FleetSnapshot) error {
	rows := RowsFromSnapshot(snap)
	if len(rows) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat history log: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := w.Write(csvColumns); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write(encodeCSVRow(r)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode history rows: %w", err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write history rows: %w", err)
	}
	return nil
}

// LoadRecentWindow reads the log and keeps the last limit rows in a ring
// buffer. Malformed fields read as zero values; a row with broken quoting
// is skipped.
func (h *CSVHistory) LoadRecentWindow(limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		return []HistoryRow{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return []HistoryRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var index map[string]int
	ring := make([]HistoryRow, limit)
	n := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("failed to read history log: %w", err)
		}
		if index == nil {
			var isHeader bool
			index, isHeader = headerIndex(rec)
			if isHeader {
				continue
			}
		}
		ring[n%limit] = decodeCSVRow(rec, index)
		n++
	}

	count := n
	if count > limit {
		count = limit
	}
	out := make([]HistoryRow, 0, count)
	start := n - count
	for i := start; i < n; i++ {
		out = append(out, ring[i%limit])
	}
	return out, nil
}

// Close is a no-op; the file is opened per operation.
func (h *CSVHistory) Close() error { return nil }

// headerIndex maps column names to positions. When the first record is not
// a header, the fixed layout is used and isHeader is false so the caller
// decodes that record as data.
func headerIndex(first []string) (idx map[string]int, isHeader bool) {
	idx = make(map[string]int, len(first))
	for i, col := range first {
		idx[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}
	if _, ok := idx["timestamp"]; ok {
		return idx, true
	}
	idx = make(map[string]int, len(csvColumns))
	for i, col := range csvColumns {
		idx[col] = i
	}
	return idx, false
}

func encodeCSVRow(r HistoryRow) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Name,
		formatFloat(r.Hashrate1m),
		formatFloat(r.Hashrate24h),
		formatFloat(r.Power),
		formatFloat(r.Efficiency),
		formatFloat(r.Temp),
		formatFloat(r.ChipTemp),
		strconv.FormatInt(r.SharesAccepted, 10),
		strconv.FormatInt(r.SharesRejected, 10),
		strconv.FormatBool(r.Alive),
	}
}

func decodeCSVRow(rec []string, idx map[string]int) HistoryRow {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	return HistoryRow{
		Timestamp:      parseTimestamp(field("timestamp")),
		Name:           field("name"),
		Hashrate1m:     coerceFloat(field("hashrate_1m")),
		Hashrate24h:    coerceFloat(field("hashrate_24h")),
		Power:          coerceFloat(field("power")),
		Efficiency:     coerceFloat(field("efficiency")),
		Temp:           coerceFloat(field("temp")),
		ChipTemp:       coerceFloat(field("chipTemp")),
		SharesAccepted: coerceInt(field("sharesAccepted")),
		SharesRejected: coerceInt(field("sharesRejected")),
		Alive:          coerceBool(field("alive")),
	}
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	return strconv.FormatFloat(round5(v), 'f', -1, 64)
}

func coerceFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func coerceInt(s string) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	// "12.0" from older writers
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return 0
}

func coerceBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}
