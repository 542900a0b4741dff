// Package analysis derives trend and health signals from history rows and
// live snapshots. Everything here is a pure function of its inputs.
package analysis

import (
	"time"

	"github.com/harborglow/hashlab/internal/storage"
)

// Trend is the direction of total hashrate across a window.
type Trend string

const (
	TrendRising   Trend = "rising"
	TrendSlipping Trend = "slipping"
	TrendStable   Trend = "stable"
)

// TrendBand is the relative change needed to leave "stable".
const TrendBand = 0.05

// HotSpot is the hottest reading in a window.
type HotSpot struct {
	Name      string    `json:"name"`
	Temp      float64   `json:"temp"`
	Timestamp time.Time `json:"timestamp"`
}

// HistorySummary aggregates a window of rows per timestamp.
type HistorySummary struct {
	Timestamps      []time.Time `json:"timestamps"`
	HashrateSeries  []float64   `json:"hashrate_series"`
	TempSeries      []float64   `json:"temp_series"`
	AverageHashrate float64     `json:"average_hashrate"`
	PeakHashrate    float64     `json:"peak_hashrate"`
	Trend           Trend       `json:"trend"`
	Hottest         *HotSpot    `json:"hottest,omitempty"`
}

// Summarize groups rows by timestamp in arrival order. Each point sums
// hashrate across miners and averages the non-zero temperatures. A miner
// counts once per timestamp; a repeated row replaces the earlier one.
func Summarize(rows []storage.HistoryRow) HistorySummary {
	sum := HistorySummary{
		Timestamps:     []time.Time{},
		HashrateSeries: []float64{},
		TempSeries:     []float64{},
		Trend:          TrendStable,
	}

	type point struct {
		names []string
		rows  map[string]storage.HistoryRow
	}
	index := make(map[int64]int)
	var points []*point

	for _, r := range rows {
		key := r.Timestamp.UnixNano()
		i, ok := index[key]
		if !ok {
			i = len(points)
			index[key] = i
			points = append(points, &point{rows: make(map[string]storage.HistoryRow)})
			sum.Timestamps = append(sum.Timestamps, r.Timestamp)
		}
		p := points[i]
		if _, seen := p.rows[r.Name]; !seen {
			p.names = append(p.names, r.Name)
		}
		p.rows[r.Name] = r
		if r.Temp > 0 && (sum.Hottest == nil || r.Temp > sum.Hottest.Temp) {
			sum.Hottest = &HotSpot{Name: r.Name, Temp: r.Temp, Timestamp: r.Timestamp}
		}
	}

	var total float64
	for _, p := range points {
		var hashrate, tempSum float64
		tempCount := 0
		for _, name := range p.names {
			r := p.rows[name]
			hashrate += r.Hashrate1m
			if r.Temp != 0 {
				tempSum += r.Temp
				tempCount++
			}
		}
		sum.HashrateSeries = append(sum.HashrateSeries, hashrate)
		avg := 0.0
		if tempCount > 0 {
			avg = tempSum / float64(tempCount)
		}
		sum.TempSeries = append(sum.TempSeries, avg)
		total += hashrate
		if hashrate > sum.PeakHashrate {
			sum.PeakHashrate = hashrate
		}
	}
	if len(points) > 0 {
		sum.AverageHashrate = total / float64(len(points))
	}
	sum.Trend = ClassifyTrend(sum.HashrateSeries)
	return sum
}

// ClassifyTrend compares the last point with the first. Fewer than two
// points is stable.
func ClassifyTrend(series []float64) Trend {
	if len(series) < 2 {
		return TrendStable
	}
	first, last := series[0], series[len(series)-1]
	switch {
	case last > first*(1+TrendBand):
		return TrendRising
	case last < first*(1-TrendBand):
		return TrendSlipping
	default:
		return TrendStable
	}
}
