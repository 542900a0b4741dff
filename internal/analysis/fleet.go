package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/harborglow/hashlab/internal/storage"
)

// Severity is an ordinal health band.
type Severity string

const (
	SeverityExcellent Severity = "excellent"
	SeverityGood      Severity = "good"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityUnknown   Severity = "unknown"
)

var severityRank = map[Severity]int{
	SeverityUnknown:   0,
	SeverityExcellent: 1,
	SeverityGood:      2,
	SeverityWarning:   3,
	SeverityCritical:  4,
}

// Worse reports whether a is a worse band than b. Unknown ranks lowest.
func Worse(a, b Severity) bool { return severityRank[a] > severityRank[b] }

const (
	// ThermalLimitC is the overheat threshold margins are measured against.
	ThermalLimitC = 75.0
	// VolatilityWindow is how many recent points feed the volatility signal.
	VolatilityWindow = 5
)

// Signal is one derived metric with its band.
type Signal struct {
	Value    float64  `json:"value"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// MinerSignals are the per-miner derived values.
type MinerSignals struct {
	Name          string         `json:"name"`
	Status        storage.Status `json:"status"`
	Alive         bool           `json:"alive"`
	ThermalMargin Signal         `json:"thermal_margin"`
	Efficiency    Signal         `json:"efficiency"`
	RejectRate    Signal         `json:"reject_rate"`
	// Device-reported 24h average over the current 1m rate. Devices reset
	// their 24h counter on reboot, so this is shown as reported.
	Hashrate24hRatio float64 `json:"hashrate_24h_ratio"`
}

// FleetAnalysis is the full set of fleet-level signals.
type FleetAnalysis struct {
	Timestamp      time.Time      `json:"timestamp"`
	OnlineMiners   int            `json:"online_miners"`
	TotalMiners    int            `json:"total_miners"`
	TotalHashrate  float64        `json:"total_hashrate"`
	TotalPower     float64        `json:"total_power"`
	Trend          Trend          `json:"trend"`
	Availability   Signal         `json:"availability"`
	HashrateVsPeak Signal         `json:"hashrate_vs_peak"`
	ThermalMargin  Signal         `json:"thermal_margin"`
	Efficiency     Signal         `json:"efficiency"`
	RejectRate     Signal         `json:"reject_rate"`
	Volatility     Signal         `json:"volatility"`
	Overall        Severity       `json:"overall"`
	Miners         []MinerSignals `json:"miners"`
}

// AnalyzeFleet combines the live snapshot with a history summary.
func AnalyzeFleet(snap *storage.FleetSnapshot, summary HistorySummary) FleetAnalysis {
	a := FleetAnalysis{Trend: summary.Trend, Miners: []MinerSignals{}}
	if a.Trend == "" {
		a.Trend = TrendStable
	}

	var tempSum float64
	var tempCount int
	var accepted, rejected int64
	if snap != nil {
		a.Timestamp = snap.Timestamp
		a.TotalMiners = len(snap.Miners)
		for _, name := range snap.Names() {
			s := snap.Miners[name]
			a.Miners = append(a.Miners, minerSignals(s))
			if !s.Alive {
				continue
			}
			a.OnlineMiners++
			a.TotalHashrate += s.Hashrate1m
			a.TotalPower += s.Power
			accepted += s.SharesAccepted
			rejected += s.SharesRejected
			if s.Temp > 0 {
				tempSum += s.Temp
				tempCount++
			}
		}
	}

	a.Availability = availabilitySignal(a.OnlineMiners, a.TotalMiners)
	a.HashrateVsPeak = peakSignal(summary)
	if tempCount > 0 {
		a.ThermalMargin = thermalSignal(ThermalLimitC - tempSum/float64(tempCount))
	} else {
		a.ThermalMargin = unknown("no temperature readings")
	}
	if a.TotalHashrate > 0 {
		a.Efficiency = efficiencySignal(a.TotalPower / a.TotalHashrate)
	} else {
		a.Efficiency = unknown("no hashrate")
	}
	a.RejectRate = rejectSignal(accepted, rejected)
	a.Volatility = volatilitySignal(summary.HashrateSeries)

	a.Overall = SeverityUnknown
	for _, s := range []Signal{a.Availability, a.HashrateVsPeak, a.ThermalMargin, a.Efficiency, a.RejectRate, a.Volatility} {
		if Worse(s.Severity, a.Overall) {
			a.Overall = s.Severity
		}
	}
	return a
}

func minerSignals(s storage.TelemetrySample) MinerSignals {
	m := MinerSignals{Name: s.Name, Status: s.Status, Alive: s.Alive}
	if !s.Alive {
		m.ThermalMargin = unknown("offline")
		m.Efficiency = unknown("offline")
		m.RejectRate = unknown("offline")
		return m
	}
	if s.Temp > 0 {
		m.ThermalMargin = thermalSignal(ThermalLimitC - s.Temp)
	} else {
		m.ThermalMargin = unknown("no temperature reading")
	}
	if s.Efficiency > 0 {
		m.Efficiency = efficiencySignal(s.Efficiency)
	} else {
		m.Efficiency = unknown("no hashrate")
	}
	m.RejectRate = rejectSignal(s.SharesAccepted, s.SharesRejected)
	if s.Hashrate1m > 0 {
		m.Hashrate24hRatio = s.Hashrate24h / s.Hashrate1m
	}
	return m
}

func unknown(detail string) Signal {
	return Signal{Severity: SeverityUnknown, Detail: detail}
}

func availabilitySignal(online, total int) Signal {
	if total == 0 {
		return unknown("no miners configured")
	}
	pct := float64(online) / float64(total) * 100
	sig := Signal{Value: pct, Detail: fmt.Sprintf("%d of %d miners online", online, total)}
	switch {
	case online == total:
		sig.Severity = SeverityExcellent
	case pct >= 75:
		sig.Severity = SeverityGood
	case pct >= 50:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
	}
	return sig
}

func peakSignal(summary HistorySummary) Signal {
	n := len(summary.HashrateSeries)
	if n == 0 || summary.PeakHashrate <= 0 {
		return unknown("no history")
	}
	last := summary.HashrateSeries[n-1]
	ratio := last / summary.PeakHashrate
	sig := Signal{Value: ratio, Detail: fmt.Sprintf("%.2f TH/s now vs %.2f TH/s peak", last, summary.PeakHashrate)}
	switch {
	case ratio >= 0.95:
		sig.Severity = SeverityExcellent
	case ratio >= 0.85:
		sig.Severity = SeverityGood
	case ratio >= 0.70:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
	}
	return sig
}

func thermalSignal(margin float64) Signal {
	sig := Signal{Value: margin, Detail: fmt.Sprintf("%.1f°C below the %.0f°C limit", margin, ThermalLimitC)}
	switch {
	case margin > 10:
		sig.Severity = SeverityExcellent
	case margin > 5:
		sig.Severity = SeverityGood
	case margin > 0:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
		sig.Detail = fmt.Sprintf("%.1f°C over the %.0f°C limit", -margin, ThermalLimitC)
	}
	return sig
}

func efficiencySignal(wPerTH float64) Signal {
	sig := Signal{Value: wPerTH, Detail: fmt.Sprintf("%.1f W/TH", wPerTH)}
	switch {
	case wPerTH <= 25:
		sig.Severity = SeverityExcellent
	case wPerTH <= 30:
		sig.Severity = SeverityGood
	case wPerTH <= 35:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
	}
	return sig
}

func rejectSignal(accepted, rejected int64) Signal {
	total := accepted + rejected
	if total <= 0 {
		return unknown("no shares yet")
	}
	pct := float64(rejected) / float64(total) * 100
	sig := Signal{Value: pct, Detail: fmt.Sprintf("%d of %d shares rejected", rejected, total)}
	switch {
	case pct < 1:
		sig.Severity = SeverityExcellent
	case pct < 2:
		sig.Severity = SeverityGood
	case pct < 5:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
	}
	return sig
}

// Volatility is (max-min)/mean over the last VolatilityWindow points.
func Volatility(series []float64) (float64, bool) {
	if len(series) > VolatilityWindow {
		series = series[len(series)-VolatilityWindow:]
	}
	if len(series) < 2 {
		return 0, false
	}
	lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, v := range series {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	mean := sum / float64(len(series))
	if mean <= 0 {
		return 0, false
	}
	return (hi - lo) / mean, true
}

func volatilitySignal(series []float64) Signal {
	v, ok := Volatility(series)
	if !ok {
		return unknown("not enough history")
	}
	sig := Signal{Value: v, Detail: fmt.Sprintf("%.1f%% swing over the last %d samples", v*100, min(len(series), VolatilityWindow))}
	switch {
	case v < 0.05:
		sig.Severity = SeverityExcellent
	case v < 0.10:
		sig.Severity = SeverityGood
	case v < 0.20:
		sig.Severity = SeverityWarning
	default:
		sig.Severity = SeverityCritical
	}
	return sig
}
