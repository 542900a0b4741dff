package storage

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory stores history rows in a SQLite database
type SQLiteHistory struct {
	db *sql.DB
	mu sync.Mutex
}

// parseTimestamp parses a stored timestamp in any of the formats written by
// this package or older loggers. All timestamps are UTC.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// NewSQLiteHistory opens a SQLite database at the given path,
// runs migrations, and enables WAL mode
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection avoids SQLite lock contention
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteHistory{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the history table and indexes
func (s *SQLiteHistory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		name TEXT NOT NULL,
		hashrate_1m REAL,
		hashrate_24h REAL,
		power REAL,
		efficiency REAL,
		temp REAL,
		chip_temp REAL,
		shares_accepted INTEGER,
		shares_rejected INTEGER,
		alive INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_history_rows_timestamp ON history_rows(timestamp);
	CREATE INDEX IF NOT EXISTS idx_history_rows_name ON history_rows(name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

// Append inserts every row of the snapshot in one transaction.
func (s *SQLiteHistory) Append(snap *FleetSnapshot) error {
	rows := RowsFromSnapshot(snap)
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT INTO history_rows (
		timestamp, name, hashrate_1m, hashrate_24h, power, efficiency,
		temp, chip_temp, shares_accepted, shares_rejected, alive
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.Name,
			round5(r.Hashrate1m), round5(r.Hashrate24h), round5(r.Power), round5(r.Efficiency),
			round5(r.Temp), round5(r.ChipTemp),
			r.SharesAccepted, r.SharesRejected, r.Alive,
		)
		if err != nil {
			return fmt.Errorf("failed to insert row for %s: %w", r.Name, err)
		}
	}

	return tx.Commit()
}

// LoadRecentWindow returns the newest limit rows in insertion order.
func (s *SQLiteHistory) LoadRecentWindow(limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		return []HistoryRow{}, nil
	}

	query := `
	SELECT timestamp, name, hashrate_1m, hashrate_24h, power, efficiency,
		temp, chip_temp, shares_accepted, shares_rejected, alive
	FROM history_rows
	ORDER BY id DESC
	LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var ts, name sql.NullString
		var h1m, h24h, power, eff, temp, chipTemp, accepted, rejected, alive any
		if err := rows.Scan(&ts, &name, &h1m, &h24h, &power, &eff, &temp, &chipTemp, &accepted, &rejected, &alive); err != nil {
			return nil, err
		}
		out = append(out, HistoryRow{
			Timestamp:      parseTimestamp(ts.String),
			Name:           name.String,
			Hashrate1m:     sqlFloat(h1m),
			Hashrate24h:    sqlFloat(h24h),
			Power:          sqlFloat(power),
			Efficiency:     sqlFloat(eff),
			Temp:           sqlFloat(temp),
			ChipTemp:       sqlFloat(chipTemp),
			SharesAccepted: int64(sqlFloat(accepted)),
			SharesRejected: int64(sqlFloat(rejected)),
			Alive:          sqlFloat(alive) != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []HistoryRow{}
	}
	return out, nil
}

// sqlFloat coerces a scanned column to float64; NULL and garbage read as 0.
func sqlFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return x
	case bool:
		if x {
			return 1
		}
	case []byte:
		return coerceFloat(string(x))
	case string:
		return coerceFloat(x)
	}
	return 0
}

// Size returns the on-disk database size in bytes.
func (s *SQLiteHistory) Size() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Open selects a history backend by name.
func Open(backend, path string) (HistoryStore, error) {
	switch backend {
	case "", "csv":
		return NewCSVHistory(path)
	case "sqlite":
		return NewSQLiteHistory(path)
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}
