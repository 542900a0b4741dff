package analysis

import (
	"math"
	"testing"

	"github.com/harborglow/hashlab/internal/storage"
)

func sample(name string, h, power, temp float64, acc, rej int64) storage.TelemetrySample {
	s := storage.TelemetrySample{
		Name:           name,
		Kind:           storage.DeviceBG02,
		Hashrate1m:     h,
		Hashrate24h:    h,
		Power:          power,
		Temp:           temp,
		SharesAccepted: acc,
		SharesRejected: rej,
		Alive:          true,
		Status:         storage.StatusOK,
	}
	if h > 0 {
		s.Efficiency = power / h
	}
	return s
}

func offline(name string) storage.TelemetrySample {
	return storage.TelemetrySample{Name: name, Kind: storage.DeviceOffline, Status: storage.StatusOffline}
}

func TestAnalyzeFleet_Healthy(t *testing.T) {
	snap := storage.NewFleetSnapshot(t0, []storage.TelemetrySample{
		sample("A", 1.0, 20, 55, 1000, 1),
		sample("B", 1.0, 22, 60, 1000, 2),
	})
	sum := HistorySummary{HashrateSeries: []float64{2.0, 2.0, 2.0}, PeakHashrate: 2.0, Trend: TrendStable}

	a := AnalyzeFleet(snap, sum)
	if a.OnlineMiners != 2 || a.TotalMiners != 2 {
		t.Fatalf("counts = %d/%d", a.OnlineMiners, a.TotalMiners)
	}
	checks := map[string]Signal{
		"availability": a.Availability,
		"peak":         a.HashrateVsPeak,
		"thermal":      a.ThermalMargin,
		"efficiency":   a.Efficiency,
		"reject":       a.RejectRate,
		"volatility":   a.Volatility,
	}
	for name, sig := range checks {
		if sig.Severity != SeverityExcellent {
			t.Errorf("%s = %+v, want excellent", name, sig)
		}
	}
	if a.Overall != SeverityExcellent {
		t.Errorf("overall = %s", a.Overall)
	}
	if math.Abs(a.ThermalMargin.Value-17.5) > 1e-9 {
		t.Errorf("thermal margin = %v", a.ThermalMargin.Value)
	}
	if len(a.Miners) != 2 || a.Miners[0].Name != "A" {
		t.Errorf("miners = %+v", a.Miners)
	}
}

func TestAnalyzeFleet_Degraded(t *testing.T) {
	snap := storage.NewFleetSnapshot(t0, []storage.TelemetrySample{
		sample("A", 1.0, 40, 78, 90, 10),
		offline("B"),
		offline("C"),
	})
	sum := HistorySummary{HashrateSeries: []float64{3.0, 1.0, 3.0, 1.0}, PeakHashrate: 3.0}

	a := AnalyzeFleet(snap, sum)
	if a.Availability.Severity != SeverityCritical {
		t.Errorf("availability = %+v", a.Availability)
	}
	if a.ThermalMargin.Severity != SeverityCritical {
		t.Errorf("thermal = %+v", a.ThermalMargin)
	}
	if a.Efficiency.Severity != SeverityCritical {
		t.Errorf("efficiency = %+v", a.Efficiency)
	}
	if a.RejectRate.Severity != SeverityCritical || math.Abs(a.RejectRate.Value-10) > 1e-9 {
		t.Errorf("reject = %+v", a.RejectRate)
	}
	if a.HashrateVsPeak.Severity != SeverityCritical {
		t.Errorf("peak = %+v", a.HashrateVsPeak)
	}
	if a.Volatility.Severity != SeverityCritical {
		t.Errorf("volatility = %+v", a.Volatility)
	}
	if a.Overall != SeverityCritical {
		t.Errorf("overall = %s", a.Overall)
	}
	if a.Trend != TrendStable {
		t.Errorf("empty trend should default to stable, got %q", a.Trend)
	}
	b := a.Miners[1]
	if b.Alive || b.ThermalMargin.Severity != SeverityUnknown {
		t.Errorf("offline miner signals = %+v", b)
	}
}

func TestAnalyzeFleet_NoData(t *testing.T) {
	a := AnalyzeFleet(nil, HistorySummary{})
	for name, sig := range map[string]Signal{
		"availability": a.Availability,
		"peak":         a.HashrateVsPeak,
		"thermal":      a.ThermalMargin,
		"efficiency":   a.Efficiency,
		"reject":       a.RejectRate,
		"volatility":   a.Volatility,
	} {
		if sig.Severity != SeverityUnknown {
			t.Errorf("%s = %+v, want unknown", name, sig)
		}
	}
	if a.Overall != SeverityUnknown {
		t.Errorf("overall = %s", a.Overall)
	}
	if a.Miners == nil {
		t.Error("miners should be an empty slice")
	}
}

func TestSignalBands(t *testing.T) {
	tests := []struct {
		name string
		got  Signal
		want Severity
	}{
		{"availability 75", availabilitySignal(3, 4), SeverityGood},
		{"availability 50", availabilitySignal(2, 4), SeverityWarning},
		{"thermal 10 is good", thermalSignal(10), SeverityGood},
		{"thermal 5 is warning", thermalSignal(5), SeverityWarning},
		{"thermal 0 is critical", thermalSignal(0), SeverityCritical},
		{"efficiency 25", efficiencySignal(25), SeverityExcellent},
		{"efficiency 30", efficiencySignal(30), SeverityGood},
		{"efficiency 35", efficiencySignal(35), SeverityWarning},
		{"reject 1.5%", rejectSignal(985, 15), SeverityGood},
		{"reject 4%", rejectSignal(96, 4), SeverityWarning},
		{"reject none", rejectSignal(0, 0), SeverityUnknown},
		{"volatility 8%", volatilitySignal([]float64{1.0, 1.04, 0.96}), SeverityGood},
		{"volatility single", volatilitySignal([]float64{1}), SeverityUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.Severity != tt.want {
				t.Errorf("got %+v, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestVolatility_UsesRecentWindow(t *testing.T) {
	v, ok := Volatility([]float64{100, 1, 1, 1, 1, 1})
	if !ok || v != 0 {
		t.Errorf("Volatility = %v %v, old points must fall out of the window", v, ok)
	}
}

func TestMinerSignals_Ratio(t *testing.T) {
	s := sample("A", 2.0, 55, 60, 10, 0)
	s.Hashrate24h = 1.0
	m := minerSignals(s)
	if m.Hashrate24hRatio != 0.5 {
		t.Errorf("ratio = %v", m.Hashrate24hRatio)
	}
	if m.Efficiency.Severity != SeverityGood {
		t.Errorf("efficiency = %+v", m.Efficiency)
	}
}
