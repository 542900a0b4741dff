// Package assistant turns analysis output into plain sentences and tuning
// suggestions. Replies are deterministic for a given input.
package assistant

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/harborglow/hashlab/internal/analysis"
	"github.com/harborglow/hashlab/internal/pool"
	"github.com/harborglow/hashlab/internal/pricing"
	"github.com/harborglow/hashlab/internal/storage"
)

// Topic is the subject a reply covers.
type Topic string

const (
	TopicOverview   Topic = "overview"
	TopicThermal    Topic = "thermal"
	TopicHashrate   Topic = "hashrate"
	TopicShares     Topic = "shares"
	TopicEfficiency Topic = "efficiency"
	TopicPrice      Topic = "price"
	TopicPool       Topic = "pool"
	TopicOffline    Topic = "offline"
)

// Input is everything a reply may draw on. Pool, Price and Snapshot are
// optional.
type Input struct {
	Analysis analysis.FleetAnalysis
	Summary  analysis.HistorySummary
	Pool     *pool.Comparison
	Price    *pricing.Quote
	Snapshot *storage.FleetSnapshot
}

// Reply is one assistant answer.
type Reply struct {
	Question  string    `json:"question,omitempty"`
	Topic     Topic     `json:"topic"`
	Severity  string    `json:"severity"`
	Sentences []string  `json:"sentences"`
	Text      string    `json:"text"`
	Generated time.Time `json:"generated_at"`
}

// keyword routing, checked in order
var routes = []struct {
	topic    Topic
	keywords []string
}{
	{TopicOffline, []string{"offline", "down", "dead"}},
	{TopicThermal, []string{"temp", "heat", "hot", "cool"}},
	{TopicShares, []string{"reject", "share"}},
	{TopicEfficiency, []string{"power", "efficien", "watt"}},
	{TopicPrice, []string{"price", "btc", "bitcoin"}},
	{TopicPool, []string{"pool", "luxor", "worker"}},
	{TopicHashrate, []string{"hash", "trend", "speed"}},
}

// Route picks the topic for a free-form question.
func Route(question string) Topic {
	q := strings.ToLower(question)
	for _, r := range routes {
		for _, kw := range r.keywords {
			if strings.Contains(q, kw) {
				return r.topic
			}
		}
	}
	return TopicOverview
}

// Narrate describes the whole fleet.
func Narrate(in Input) Reply {
	var s []string
	s = append(s, overview(in)...)
	s = append(s, hashrate(in)...)
	s = append(s, thermal(in)...)
	s = append(s, efficiency(in)...)
	s = append(s, shares(in)...)
	if in.Pool != nil {
		s = append(s, poolLines(in)...)
	}
	if in.Price != nil {
		s = append(s, priceLines(in)...)
	}
	return reply(TopicOverview, in, s)
}

// Answer replies to a question about one topic. Unrecognized questions get
// the full narration.
func Answer(question string, in Input) Reply {
	topic := Route(question)
	var s []string
	switch topic {
	case TopicOffline:
		s = offlineLines(in)
	case TopicThermal:
		s = thermal(in)
	case TopicShares:
		s = shares(in)
	case TopicEfficiency:
		s = efficiency(in)
	case TopicPrice:
		s = priceLines(in)
	case TopicPool:
		s = poolLines(in)
	case TopicHashrate:
		s = hashrate(in)
	default:
		r := Narrate(in)
		r.Question = question
		return r
	}
	r := reply(topic, in, s)
	r.Question = question
	return r
}

func reply(topic Topic, in Input, sentences []string) Reply {
	if len(sentences) == 0 {
		sentences = []string{"I don't have enough data to answer that yet."}
	}
	ts := in.Analysis.Timestamp
	if ts.IsZero() && in.Snapshot != nil {
		ts = in.Snapshot.Timestamp
	}
	return Reply{
		Topic:     topic,
		Severity:  string(in.Analysis.Overall),
		Sentences: sentences,
		Text:      strings.Join(sentences, " "),
		Generated: ts,
	}
}

func overview(in Input) []string {
	a := in.Analysis
	if a.TotalMiners == 0 {
		return []string{"No miners are configured yet."}
	}
	lines := []string{fmt.Sprintf("%d of %d miners are online, producing %.2f TH/s at %.0f W.",
		a.OnlineMiners, a.TotalMiners, a.TotalHashrate, a.TotalPower)}
	if a.Overall != "" && a.Overall != analysis.SeverityUnknown {
		lines = append(lines, fmt.Sprintf("Overall fleet health is %s.", a.Overall))
	}
	if up := longestUptime(in.Snapshot); up != "" {
		lines = append(lines, up)
	}
	return lines
}

func hashrate(in Input) []string {
	sum := in.Summary
	if len(sum.HashrateSeries) == 0 {
		return []string{fmt.Sprintf("Live hashrate is %.2f TH/s; no history has been logged yet.", in.Analysis.TotalHashrate)}
	}
	lines := []string{fmt.Sprintf("Over the last %d samples hashrate averaged %.2f TH/s with a peak of %.2f TH/s, and the trend is %s.",
		len(sum.HashrateSeries), sum.AverageHashrate, sum.PeakHashrate, sum.Trend)}
	if sig := in.Analysis.HashrateVsPeak; sig.Severity != analysis.SeverityUnknown && sig.Severity != "" {
		lines = append(lines, fmt.Sprintf("The latest reading is %.0f%% of peak (%s).", sig.Value*100, sig.Severity))
	}
	if sig := in.Analysis.Volatility; sig.Severity == analysis.SeverityWarning || sig.Severity == analysis.SeverityCritical {
		lines = append(lines, fmt.Sprintf("Output is unsteady: %s.", sig.Detail))
	}
	return lines
}

func thermal(in Input) []string {
	var lines []string
	if sig := in.Analysis.ThermalMargin; sig.Severity != analysis.SeverityUnknown && sig.Severity != "" {
		lines = append(lines, fmt.Sprintf("Average temperature is %s (%s).", sig.Detail, sig.Severity))
	}
	var hot []string
	for _, m := range in.Analysis.Miners {
		if m.Status == storage.StatusOverheating {
			hot = append(hot, m.Name)
		}
	}
	if len(hot) > 0 {
		lines = append(lines, fmt.Sprintf("Overheating: %s.", strings.Join(hot, ", ")))
	}
	if h := in.Summary.Hottest; h != nil {
		lines = append(lines, fmt.Sprintf("The hottest logged reading was %s at %.1f°C.", h.Name, h.Temp))
	}
	return lines
}

func efficiency(in Input) []string {
	sig := in.Analysis.Efficiency
	if sig.Severity == analysis.SeverityUnknown || sig.Severity == "" {
		return nil
	}
	lines := []string{fmt.Sprintf("The fleet runs at %s, which is %s.", sig.Detail, sig.Severity)}
	type pair struct {
		name string
		eff  float64
	}
	var worst *pair
	for _, m := range in.Analysis.Miners {
		if m.Efficiency.Severity == analysis.SeverityUnknown {
			continue
		}
		if worst == nil || m.Efficiency.Value > worst.eff {
			worst = &pair{m.Name, m.Efficiency.Value}
		}
	}
	if worst != nil && len(in.Analysis.Miners) > 1 {
		lines = append(lines, fmt.Sprintf("%s is the least efficient at %.1f W/TH.", worst.name, worst.eff))
	}
	return lines
}

func shares(in Input) []string {
	sig := in.Analysis.RejectRate
	if sig.Severity == analysis.SeverityUnknown || sig.Severity == "" {
		return nil
	}
	lines := []string{fmt.Sprintf("Reject rate is %.2f%%: %s.", sig.Value, sig.Detail)}
	var high []string
	for _, m := range in.Analysis.Miners {
		if m.Status == storage.StatusHighRejectRate {
			high = append(high, m.Name)
		}
	}
	if len(high) > 0 {
		lines = append(lines, fmt.Sprintf("High reject rate on %s.", strings.Join(high, ", ")))
	}
	return lines
}

func offlineLines(in Input) []string {
	var down []string
	for _, m := range in.Analysis.Miners {
		if !m.Alive {
			down = append(down, m.Name)
		}
	}
	if len(down) == 0 {
		if in.Analysis.TotalMiners == 0 {
			return nil
		}
		return []string{"Every miner is responding."}
	}
	return []string{fmt.Sprintf("%d miner(s) are not responding: %s.", len(down), strings.Join(down, ", "))}
}

func poolLines(in Input) []string {
	c := in.Pool
	if c == nil || !c.Available {
		return []string{"Pool statistics are not available right now."}
	}
	var pooled float64
	for _, w := range c.Pool {
		pooled += w.HashrateTHs
	}
	lines := []string{fmt.Sprintf("The pool sees %d mapped worker(s) at %.2f TH/s.", len(c.Pool), pooled)}
	if local := in.Analysis.TotalHashrate; local > 0 && pooled > 0 {
		lines = append(lines, fmt.Sprintf("That is %.0f%% of the locally reported %.2f TH/s.", pooled/local*100, local))
	}
	if len(c.Unmapped) > 0 {
		lines = append(lines, fmt.Sprintf("Workers without a local mapping: %s.", strings.Join(c.Unmapped, ", ")))
	}
	if c.Stale {
		lines = append(lines, "These pool figures are cached from an earlier fetch.")
	}
	return lines
}

func priceLines(in Input) []string {
	q := in.Price
	if q == nil || q.Price <= 0 {
		return []string{"No BTC price is available right now."}
	}
	line := fmt.Sprintf("BTC is trading at $%.2f", q.Price)
	if q.Change24h != nil {
		line += fmt.Sprintf(", %+.2f%% over 24h", *q.Change24h)
	}
	line += "."
	lines := []string{line}
	if q.Stale {
		lines = append(lines, "The price is from an earlier fetch.")
	}
	return lines
}

func longestUptime(snap *storage.FleetSnapshot) string {
	if snap == nil {
		return ""
	}
	type up struct {
		name string
		secs int64
	}
	var ups []up
	for name, s := range snap.Miners {
		if s.Alive && s.UptimeSeconds > 0 {
			ups = append(ups, up{name, s.UptimeSeconds})
		}
	}
	if len(ups) == 0 {
		return ""
	}
	sort.Slice(ups, func(i, j int) bool {
		if ups[i].secs != ups[j].secs {
			return ups[i].secs > ups[j].secs
		}
		return ups[i].name < ups[j].name
	})
	d := time.Duration(ups[0].secs) * time.Second
	return fmt.Sprintf("%s has been up the longest, %s.", ups[0].name, durafmt.Parse(d).LimitFirstN(2).String())
}
