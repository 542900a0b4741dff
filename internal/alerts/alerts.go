package alerts

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/harborglow/hashlab/internal/storage"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertMinerOffline   AlertType = "miner_offline"
	AlertOverheating    AlertType = "overheating"
	AlertHighRejectRate AlertType = "high_reject_rate"
	AlertRecovered      AlertType = "recovered"
	AlertTest           AlertType = "test"
)

// alertDisplay holds the visual representation for each alert type
type alertDisplay struct {
	Emoji string
	Title string
	Color int
}

var alertDisplayMap = map[AlertType]alertDisplay{
	AlertMinerOffline:   {Emoji: "🔴", Title: "Miner Offline", Color: 0xFF4444},
	AlertOverheating:    {Emoji: "🌡️", Title: "Overheating", Color: 0xFFAA00},
	AlertHighRejectRate: {Emoji: "❌", Title: "High Reject Rate", Color: 0xFF6600},
	AlertRecovered:      {Emoji: "✅", Title: "Miner Recovered", Color: 0x00FF88},
	AlertTest:           {Emoji: "✅", Title: "Test Alert", Color: 0x00FF88},
}

func getAlertDisplay(t AlertType) alertDisplay {
	if d, ok := alertDisplayMap[t]; ok {
		return d
	}
	return alertDisplay{Emoji: "⚠️", Title: string(t), Color: 0x00D4FF}
}

// statusAlert maps an unhealthy status to the alert it raises.
var statusAlert = map[storage.Status]AlertType{
	storage.StatusOffline:        AlertMinerOffline,
	storage.StatusOverheating:    AlertOverheating,
	storage.StatusHighRejectRate: AlertHighRejectRate,
}

// Alert represents a triggered alert
type Alert struct {
	Type      AlertType `json:"type"`
	MinerName string    `json:"minerName"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers an alert somewhere outside the process.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Observer is told about every alert that passes the cooldown.
type Observer interface {
	AlertRaised(alertType string)
}

// Engine watches miner status transitions across snapshots.
type Engine struct {
	notifier      Notifier
	observer      Observer
	cooldown      time.Duration
	lastStatus    map[string]storage.Status
	alertCooldown map[string]time.Time // miner:type -> last sent
	now           func() time.Time
	wg            sync.WaitGroup
	mu            sync.Mutex
}

// NewEngine creates an alert engine. A nil notifier only logs alerts.
func NewEngine(notifier Notifier, cooldown time.Duration) *Engine {
	return &Engine{
		notifier:      notifier,
		cooldown:      cooldown,
		lastStatus:    make(map[string]storage.Status),
		alertCooldown: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetObserver registers o to be told about raised alerts.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// CheckSnapshot compares each miner's status with the previous snapshot and
// raises alerts for transitions. The first sighting of a miner only records
// its status. Returns the alerts that were sent.
func (e *Engine) CheckSnapshot(snap *storage.FleetSnapshot) []Alert {
	if snap == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var raised []Alert
	for _, name := range snap.Names() {
		s := snap.Miners[name]
		prev, seen := e.lastStatus[name]
		e.lastStatus[name] = s.Status
		if !seen || prev == s.Status {
			continue
		}

		var alert Alert
		if s.Status == storage.StatusOK {
			alert = Alert{
				Type:    AlertRecovered,
				Message: fmt.Sprintf("Back to OK after %s", prev),
				Value:   s.Hashrate1m,
			}
		} else {
			t, ok := statusAlert[s.Status]
			if !ok {
				continue
			}
			alert = Alert{Type: t, Message: describe(s)}
			switch t {
			case AlertOverheating:
				alert.Value = s.Temp
			case AlertHighRejectRate:
				alert.Value = rejectPercent(s)
			}
		}
		alert.MinerName = name
		alert.Timestamp = snap.Timestamp
		if e.sendAlert(alert) {
			raised = append(raised, alert)
		}
	}
	return raised
}

// Forget drops state for miners no longer configured.
func (e *Engine) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastStatus, name)
}

// SendTest delivers a test alert synchronously, bypassing cooldown.
func (e *Engine) SendTest(ctx context.Context) error {
	if e.notifier == nil {
		return fmt.Errorf("webhook URL is not configured")
	}
	return e.notifier.Notify(ctx, Alert{
		Type:      AlertTest,
		MinerName: "hashlab",
		Message:   "If you see this message, your webhook is configured correctly!",
		Timestamp: e.now(),
	})
}

// Wait blocks until in-flight deliveries finish.
func (e *Engine) Wait() { e.wg.Wait() }

func describe(s storage.TelemetrySample) string {
	switch s.Status {
	case storage.StatusOffline:
		return "Miner stopped responding"
	case storage.StatusOverheating:
		return fmt.Sprintf("Temperature is %.1f°C", s.Temp)
	case storage.StatusHighRejectRate:
		return fmt.Sprintf("%.1f%% of shares rejected (%d of %d)", rejectPercent(s), s.SharesRejected, s.SharesAccepted+s.SharesRejected)
	}
	return string(s.Status)
}

func rejectPercent(s storage.TelemetrySample) float64 {
	total := s.SharesAccepted + s.SharesRejected
	if total == 0 {
		return 0
	}
	return float64(s.SharesRejected) / float64(total) * 100
}

// sendAlert applies the cooldown and hands the alert to the notifier.
// Caller holds e.mu.
func (e *Engine) sendAlert(alert Alert) bool {
	cooldownKey := fmt.Sprintf("%s:%s", alert.MinerName, alert.Type)
	now := e.now()
	if last, ok := e.alertCooldown[cooldownKey]; ok && now.Sub(last) < e.cooldown {
		return false
	}
	e.alertCooldown[cooldownKey] = now

	if e.observer != nil {
		e.observer.AlertRaised(string(alert.Type))
	}
	if e.notifier == nil {
		log.Printf("Alert [%s] %s: %s", alert.Type, alert.MinerName, alert.Message)
		return true
	}

	e.wg.Add(1)
	go func(n Notifier) {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, alert); err != nil {
			log.Printf("Failed to deliver alert [%s] %s: %v", alert.Type, alert.MinerName, err)
		}
	}(e.notifier)
	return true
}
