package collector

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/storage"
)

const (
	// OverheatC is the temperature above which a miner is Overheating.
	OverheatC = 75.0
	// RejectRatioLimit is the rejected/accepted ratio that flags a miner.
	RejectRatioLimit = 0.05

	maxInfoBody = 1 << 20
)

// MinerClient talks to the /api/system/info endpoint of BG02 and NerdQAxe
// style firmware.
type MinerClient struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewMinerClient creates a MinerClient with the given per-call timeout
func NewMinerClient(timeout time.Duration) *MinerClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MinerClient{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// FetchInfo fetches and decodes the raw info payload from address.
func (c *MinerClient) FetchInfo(ctx context.Context, address string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/system/info", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch miner info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxInfoBody {
		return nil, fmt.Errorf("response larger than %d bytes", maxInfoBody)
	}

	var payload map[string]any
	if err := jsonx.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("empty response object")
	}

	return payload, nil
}

// Fetch polls one miner and returns its normalized sample. Any failure
// yields an offline sample; it never returns an error.
func (c *MinerClient) Fetch(ctx context.Context, id storage.MinerIdentity) storage.TelemetrySample {
	payload, err := c.FetchInfo(ctx, id.Address)
	if err != nil {
		log.Printf("[%s] poll failed: %v", id.Name, err)
		return OfflineSample(id.Name)
	}
	return Normalize(id.Name, payload)
}

// OfflineSample is the zeroed sample of an unreachable miner.
func OfflineSample(name string) storage.TelemetrySample {
	return storage.TelemetrySample{
		Name:   name,
		Kind:   storage.DeviceOffline,
		Alive:  false,
		Status: storage.StatusOffline,
	}
}

// ClassifyDevice picks the firmware family from marker fields. minerModel
// wins when both are present.
func ClassifyDevice(payload map[string]any) storage.DeviceKind {
	if _, ok := payload["minerModel"]; ok {
		return storage.DeviceBG02
	}
	if _, ok := payload["deviceModel"]; ok {
		return storage.DeviceNerdQ
	}
	return storage.DeviceUnknown
}

// DeriveStatus applies the health rules in order: overheating first, then
// reject rate.
func DeriveStatus(tempC float64, accepted, rejected int64) storage.Status {
	switch {
	case tempC > OverheatC:
		return storage.StatusOverheating
	case accepted == 0 && rejected > 0:
		return storage.StatusHighRejectRate
	case float64(rejected) > float64(accepted)*RejectRatioLimit:
		return storage.StatusHighRejectRate
	default:
		return storage.StatusOK
	}
}

// Efficiency is W/TH, or 0 when the miner reports no hashrate.
func Efficiency(powerW, hashrateTHs float64) float64 {
	if hashrateTHs <= 0 {
		return 0
	}
	return powerW / hashrateTHs
}

// Normalize turns a raw info payload into a sample. Hashrates arrive in
// GH/s and are stored as TH/s.
func Normalize(name string, payload map[string]any) storage.TelemetrySample {
	h1m := numberField(payload, "hashRate_1m", "hashRate") / 1000
	h24h := numberField(payload, "hashrate_24h", "hashRate_1d") / 1000
	power := numberField(payload, "power")
	temp := numberField(payload, "temp", "vrTemp")
	accepted := int64(numberField(payload, "sharesAccepted"))
	rejected := int64(numberField(payload, "sharesRejected"))

	return storage.TelemetrySample{
		Name:           name,
		Kind:           ClassifyDevice(payload),
		Model:          stringField(payload, "minerModel", "deviceModel", "ASICModel"),
		Hashrate1m:     h1m,
		Hashrate24h:    h24h,
		Power:          power,
		Efficiency:     Efficiency(power, h1m),
		Temp:           temp,
		ChipTemp:       numberField(payload, "chipTemp"),
		SharesAccepted: accepted,
		SharesRejected: rejected,
		FanRPM:         int(numberField(payload, "fanrpm", "fanSpeed")),
		UptimeSeconds:  int64(numberField(payload, "uptimeSeconds")),
		ASICCount:      int(numberField(payload, "asicCount")),
		Frequency:      numberField(payload, "frequency"),
		Voltage:        numberField(payload, "coreVoltageActual", "voltage"),
		WifiRSSI:       int(numberField(payload, "wifiRSSI")),
		BestDiff:       stringField(payload, "bestDiff", "bestSessionDiff"),
		Alive:          true,
		Status:         DeriveStatus(temp, accepted, rejected),
	}
}

// numberField returns the first key present with a usable numeric value.
func numberField(payload map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		switch x := payload[k].(type) {
		case string:
			if x != "" {
				return x
			}
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return ""
}
