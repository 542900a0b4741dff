package storage

import (
	"sort"
	"time"
)

// DeviceKind identifies the firmware family that answered a poll.
type DeviceKind string

const (
	DeviceBG02    DeviceKind = "BG02"  // reports "minerModel"
	DeviceNerdQ   DeviceKind = "NERDQ" // reports "deviceModel"
	DeviceUnknown DeviceKind = "Unknown"
	DeviceOffline DeviceKind = "OFFLINE"
)

// Status is the health classification of one sample.
type Status string

const (
	StatusOffline        Status = "Offline"
	StatusOverheating    Status = "Overheating"
	StatusHighRejectRate Status = "HighRejectRate"
	StatusOK             Status = "OK"
)

// MinerIdentity is a configured miner.
type MinerIdentity struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// TelemetrySample is one normalized reading of one miner. Hashrates are TH/s,
// efficiency is W/TH. An offline sample has every numeric field zeroed.
type TelemetrySample struct {
	Name           string     `json:"name"`
	Kind           DeviceKind `json:"type"`
	Model          string     `json:"model,omitempty"`
	Hashrate1m     float64    `json:"hashrate_1m"`
	Hashrate24h    float64    `json:"hashrate_24h"`
	Power          float64    `json:"power"`
	Efficiency     float64    `json:"efficiency"`
	Temp           float64    `json:"temp"`
	ChipTemp       float64    `json:"chipTemp"`
	SharesAccepted int64      `json:"sharesAccepted"`
	SharesRejected int64      `json:"sharesRejected"`
	FanRPM         int        `json:"fanrpm"`
	UptimeSeconds  int64      `json:"uptime"`
	ASICCount      int        `json:"asicCount"`
	Frequency      float64    `json:"frequency"`
	Voltage        float64    `json:"voltage"`
	WifiRSSI       int        `json:"wifiRSSI"`
	BestDiff       string     `json:"bestDiff,omitempty"`
	Alive          bool       `json:"alive"`
	Status         Status     `json:"status"`
}

// FleetSnapshot is the set of samples taken in one poll. It is not modified
// after construction.
type FleetSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Miners    map[string]TelemetrySample `json:"miners"`

	// Remote is set when the samples came from the remote fallback rather
	// than the LAN. Replayed additionally means an earlier poll already
	// returned this remote timestamp, so it must not be stored again.
	Remote   bool `json:"-"`
	Replayed bool `json:"-"`
}

// NewFleetSnapshot copies samples into a snapshot stamped at ts (UTC).
func NewFleetSnapshot(ts time.Time, samples []TelemetrySample) *FleetSnapshot {
	miners := make(map[string]TelemetrySample, len(samples))
	for _, s := range samples {
		miners[s.Name] = s
	}
	return &FleetSnapshot{Timestamp: ts.UTC(), Miners: miners}
}

// Names returns the miner names in sorted order.
func (f *FleetSnapshot) Names() []string {
	names := make([]string, 0, len(f.Miners))
	for name := range f.Miners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnlineCount returns how many samples are alive.
func (f *FleetSnapshot) OnlineCount() int {
	n := 0
	for _, s := range f.Miners {
		if s.Alive {
			n++
		}
	}
	return n
}

// HistoryRow is one persisted sample.
type HistoryRow struct {
	Timestamp      time.Time `json:"timestamp"`
	Name           string    `json:"name"`
	Hashrate1m     float64   `json:"hashrate_1m"`
	Hashrate24h    float64   `json:"hashrate_24h"`
	Power          float64   `json:"power"`
	Efficiency     float64   `json:"efficiency"`
	Temp           float64   `json:"temp"`
	ChipTemp       float64   `json:"chipTemp"`
	SharesAccepted int64     `json:"sharesAccepted"`
	SharesRejected int64     `json:"sharesRejected"`
	Alive          bool      `json:"alive"`
}

// RowsFromSnapshot flattens a snapshot into rows sharing its timestamp,
// ordered by miner name.
func RowsFromSnapshot(snap *FleetSnapshot) []HistoryRow {
	if snap == nil {
		return nil
	}
	rows := make([]HistoryRow, 0, len(snap.Miners))
	for _, name := range snap.Names() {
		s := snap.Miners[name]
		rows = append(rows, HistoryRow{
			Timestamp:      snap.Timestamp,
			Name:           name,
			Hashrate1m:     s.Hashrate1m,
			Hashrate24h:    s.Hashrate24h,
			Power:          s.Power,
			Efficiency:     s.Efficiency,
			Temp:           s.Temp,
			ChipTemp:       s.ChipTemp,
			SharesAccepted: s.SharesAccepted,
			SharesRejected: s.SharesRejected,
			Alive:          s.Alive,
		})
	}
	return rows
}

// HistoryStore persists snapshots and serves the most recent rows.
type HistoryStore interface {
	// Append writes every sample of snap as rows sharing one timestamp.
	Append(snap *FleetSnapshot) error
	// LoadRecentWindow returns at most limit of the newest rows, oldest first.
	LoadRecentWindow(limit int) ([]HistoryRow, error)
	Close() error
}

// Sizer is implemented by stores that can report their on-disk size.
type Sizer interface {
	Size() (int64, error)
}
