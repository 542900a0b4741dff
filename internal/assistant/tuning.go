package assistant

import (
	"strings"

	"github.com/harborglow/hashlab/internal/storage"
)

const (
	tempHotC  = 75.0
	tempCoolC = 60.0
	effPoor   = 35.0 // W/TH
	effGreat  = 25.0
)

// TuningInput is one miner's figures for the tuning rules.
type TuningInput struct {
	MinerID     string  `json:"minerId"`
	Model       string  `json:"model"`
	HashrateTHs float64 `json:"hashrateTHs"`
	TempC       float64 `json:"tempC"`
	EfficiencyW float64 `json:"efficiencyWTH"`
}

// Recommendation is a TuningInput plus the suggested change.
type Recommendation struct {
	TuningInput
	Recommendation string `json:"recommendation"`
}

// Recommend applies the fixed tuning rules to each input.
func Recommend(inputs []TuningInput) []Recommendation {
	out := make([]Recommendation, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, Recommendation{TuningInput: in, Recommendation: recommend(in)})
	}
	return out
}

func recommend(in TuningInput) string {
	var recs []string
	switch {
	case in.TempC > tempHotC:
		recs = append(recs, "Reduce voltage by 2V to avoid overheating")
	case in.TempC > 0 && in.TempC < tempCoolC:
		recs = append(recs, "Consider increasing frequency by 50MHz for more output")
	}
	if in.EfficiencyW > 0 {
		switch {
		case in.EfficiencyW > effPoor:
			recs = append(recs, "Lower frequency by 100MHz to improve efficiency")
		case in.EfficiencyW < effGreat:
			recs = append(recs, "Optimal efficiency. Maintain settings.")
		}
	}
	if len(recs) == 0 {
		return "No change needed"
	}
	return strings.Join(recs, "; ")
}

// TuningInputs converts a snapshot into tuning inputs, ordered by name.
// Offline miners are included with zeroed figures.
func TuningInputs(snap *storage.FleetSnapshot) []TuningInput {
	if snap == nil {
		return []TuningInput{}
	}
	out := make([]TuningInput, 0, len(snap.Miners))
	for _, name := range snap.Names() {
		s := snap.Miners[name]
		model := s.Model
		if model == "" {
			model = string(s.Kind)
		}
		eff := s.Efficiency
		if eff == 0 && s.Hashrate1m > 0 {
			eff = s.Power / s.Hashrate1m
		}
		out = append(out, TuningInput{
			MinerID:     name,
			Model:       model,
			HashrateTHs: s.Hashrate1m,
			TempC:       s.Temp,
			EfficiencyW: eff,
		})
	}
	return out
}
