// Package protocol defines the message shapes exchanged with the radio
// co-processor and the cloud broker, and the topic layout under the
// `v1/farm/<site>/<device>` root.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidPayload marks a message which fails schema validation.
// Handlers log-and-drop these; they never crash a reader.
var ErrInvalidPayload = errors.New("invalid payload")

// Kind classifies an inbound serial message by its `type` key.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindAck
	KindStatus
	KindEvent
)

// Classify maps a decoded frame to its message kind.
func Classify(msg map[string]interface{}) Kind {
	switch msg["type"] {
	case "telemetry":
		return KindTelemetry
	case "ack":
		return KindAck
	case "status":
		return KindStatus
	case "event":
		return KindEvent
	default:
		return KindUnknown
	}
}

// Channels recognized for telemetry topic selection.
var Channels = map[string]bool{
	"env":       true,
	"power":     true,
	"water":     true,
	"incubator": true,
}

// Telemetry is one upstream sample from a field device, carrying a
// sparse set of metrics. Metrics holds only the keys the device sent.
type Telemetry struct {
	TS             time.Time
	Site           string
	Device         string
	AssetID        string
	Channel        string
	Metrics        map[string]float64
	RSSIdBm        *int
	FW             string
	MAC            string
	IdempotencyKey string
}

// Command is a downstream instruction correlated with an eventual Ack.
type Command struct {
	AssetID       string                 `json:"asset_id"`
	Relay         map[string]string      `json:"relay,omitempty"`
	Setpoints     map[string]interface{} `json:"setpoints,omitempty"`
	Sequence      []SequenceStep         `json:"sequence,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	TS            string                 `json:"ts,omitempty"`
	IssuedBy      string                 `json:"issued_by,omitempty"`
}

// SequenceStep is one step of a timed actuation sequence.
type SequenceStep struct {
	Act   string `json:"act"`
	DurS  int    `json:"dur_s,omitempty"`
	WaitS int    `json:"wait_s,omitempty"`
}

// Ack reports a device's disposition of a Command.
type Ack struct {
	AssetID       string
	CorrelationID string
	OK            bool
	Message       string
	TS            time.Time
}

var macPattern = regexp.MustCompile(`^(?i)[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// ValidMAC reports whether |mac| is a colon-separated EUI-48 address.
func ValidMAC(mac string) bool { return macPattern.MatchString(mac) }

// ParseTelemetry validates and normalizes a decoded telemetry frame.
// Unknown metric keys are dropped; a telemetry without asset_id or with
// a non-map metrics value is rejected.
func ParseTelemetry(msg map[string]interface{}) (*Telemetry, error) {
	var assetID, _ = msg["asset_id"].(string)
	if assetID == "" {
		return nil, fmt.Errorf("%w: telemetry missing asset_id", ErrInvalidPayload)
	}

	var tel = &Telemetry{
		AssetID: assetID,
		Metrics: make(map[string]float64),
		TS:      ParseTimestamp(msg["ts"]),
	}
	tel.Site, _ = msg["site"].(string)
	tel.Device, _ = msg["device"].(string)
	tel.FW, _ = msg["fw"].(string)
	tel.MAC, _ = msg["mac"].(string)
	tel.IdempotencyKey, _ = msg["idempotency_key"].(string)

	tel.Channel, _ = msg["channel"].(string)
	if !Channels[tel.Channel] {
		tel.Channel = "env"
	}

	var metrics, ok = msg["metrics"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: telemetry missing metrics", ErrInvalidPayload)
	}
	for name, raw := range metrics {
		if !MetricNames[name] {
			continue
		}
		if v, ok := asFloat(raw); ok {
			tel.Metrics[name] = v
		}
	}

	if v, ok := asFloat(msg["rssi_dbm"]); ok {
		var rssi = int(v)
		tel.RSSIdBm = &rssi
	}
	return tel, nil
}

// MetricNames enumerates the metric columns the cloud contracts know.
var MetricNames = map[string]bool{
	"t_c":              true,
	"rh":               true,
	"mq135_ppm":        true,
	"lux":              true,
	"voltage_v":        true,
	"current_a":        true,
	"power_w":          true,
	"energy_wh":        true,
	"flow_lpm":         true,
	"tank_level_pct":   true,
	"incubator_temp_c": true,
	"incubator_rh":     true,
}

// ParseAck extracts an Ack from a decoded frame. An ack without a
// correlation_id is invalid (there is nothing to correlate).
func ParseAck(msg map[string]interface{}) (*Ack, error) {
	var corr, _ = msg["correlation_id"].(string)
	if corr == "" {
		return nil, fmt.Errorf("%w: ack missing correlation_id", ErrInvalidPayload)
	}
	var ack = &Ack{CorrelationID: corr, TS: ParseTimestamp(msg["ts"])}
	ack.AssetID, _ = msg["asset_id"].(string)
	if ack.AssetID == "" {
		ack.AssetID = "unknown"
	}
	if ok, isBool := msg["ok"].(bool); isBool {
		ack.OK = ok
	} else {
		ack.OK = true
	}
	ack.Message, _ = msg["message"].(string)
	return ack, nil
}

// ValidateCommand checks an inbound command and fills defaults.
func ValidateCommand(cmd *Command) error {
	if cmd.AssetID == "" {
		return fmt.Errorf("%w: command missing asset_id", ErrInvalidPayload)
	}
	for ch, state := range cmd.Relay {
		if state != "ON" && state != "OFF" {
			return fmt.Errorf("%w: relay %q state %q", ErrInvalidPayload, ch, state)
		}
	}
	if cmd.TS == "" {
		cmd.TS = FormatTimestamp(time.Now().UTC())
	}
	if cmd.IssuedBy == "" {
		cmd.IssuedBy = "edge-agent"
	}
	return nil
}

// ParseTimestamp accepts the timestamp encodings seen on the wire:
// RFC 3339 strings, epoch seconds or milliseconds, or a decoded
// time.Time (CBOR tag 1). Anything else maps to time.Now.
func ParseTimestamp(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC()
		}
	case float64:
		return epochToTime(v)
	case int64:
		return epochToTime(float64(v))
	case uint64:
		return epochToTime(float64(v))
	case int:
		return epochToTime(float64(v))
	}
	return time.Now().UTC()
}

func epochToTime(v float64) time.Time {
	if v > 1e12 { // Milliseconds past ~2001.
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// FormatTimestamp renders |ts| the way the cloud contracts expect:
// RFC 3339 UTC with a Z suffix and second precision.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

func asFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
