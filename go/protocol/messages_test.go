package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, KindTelemetry, Classify(map[string]interface{}{"type": "telemetry"}))
	require.Equal(t, KindAck, Classify(map[string]interface{}{"type": "ack"}))
	require.Equal(t, KindStatus, Classify(map[string]interface{}{"type": "status"}))
	require.Equal(t, KindEvent, Classify(map[string]interface{}{"type": "event"}))
	require.Equal(t, KindUnknown, Classify(map[string]interface{}{"type": "gossip"}))
	require.Equal(t, KindUnknown, Classify(map[string]interface{}{}))
}

func TestParseTelemetry(t *testing.T) {
	var tel, err = ParseTelemetry(map[string]interface{}{
		"type":            "telemetry",
		"ts":              "2025-09-17T12:03:20Z",
		"asset_id":        "A-PP-01",
		"channel":         "env",
		"metrics":         map[string]interface{}{"t_c": 27.5, "rh": int64(61), "bogus": 1.0},
		"rssi_dbm":        int64(-58),
		"mac":             "aa:bb:cc:dd:ee:ff",
		"idempotency_key": "k1",
	})
	require.NoError(t, err)
	require.Equal(t, "A-PP-01", tel.AssetID)
	require.Equal(t, map[string]float64{"t_c": 27.5, "rh": 61}, tel.Metrics)
	require.NotNil(t, tel.RSSIdBm)
	require.Equal(t, -58, *tel.RSSIdBm)
	require.Equal(t, "k1", tel.IdempotencyKey)
	require.Equal(t, time.Date(2025, 9, 17, 12, 3, 20, 0, time.UTC), tel.TS)
}

func TestParseTelemetryDefaultsChannel(t *testing.T) {
	var tel, err = ParseTelemetry(map[string]interface{}{
		"asset_id": "A-PP-02",
		"channel":  "greenhouse-9",
		"metrics":  map[string]interface{}{"lux": 1200.0},
	})
	require.NoError(t, err)
	require.Equal(t, "env", tel.Channel)
}

func TestParseTelemetryRejects(t *testing.T) {
	var _, err = ParseTelemetry(map[string]interface{}{"metrics": map[string]interface{}{}})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseTelemetry(map[string]interface{}{"asset_id": "A-PP-01"})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseAck(t *testing.T) {
	var ack, err = ParseAck(map[string]interface{}{
		"asset_id":       "A-PP-01",
		"correlation_id": "c1",
		"ok":             true,
		"message":        "applied",
	})
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.Equal(t, "applied", ack.Message)

	_, err = ParseAck(map[string]interface{}{"asset_id": "A-PP-01"})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidateCommand(t *testing.T) {
	var cmd = &Command{AssetID: "A-PP-01", Relay: map[string]string{"lamp": "ON"}}
	require.NoError(t, ValidateCommand(cmd))
	require.Equal(t, "edge-agent", cmd.IssuedBy)
	require.NotEmpty(t, cmd.TS)

	require.ErrorIs(t, ValidateCommand(&Command{}), ErrInvalidPayload)
	require.ErrorIs(t, ValidateCommand(&Command{
		AssetID: "A-PP-01",
		Relay:   map[string]string{"lamp": "DIM"},
	}), ErrInvalidPayload)
}

func TestTopics(t *testing.T) {
	var topics = NewTopics("KIN-GOLIATH", "esp32gw-01")
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/telemetry/power", topics.Telemetry("power"))
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/telemetry/env", topics.Telemetry("attic"))
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/ack", topics.Ack())
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/status", topics.Status())
	require.Equal(t, "v1/farm/KIN-GOLIATH/+/cmd", CommandSubscription("KIN-GOLIATH"))
}

func TestValidMAC(t *testing.T) {
	require.True(t, ValidMAC("aa:bb:cc:dd:ee:ff"))
	require.True(t, ValidMAC("AA:BB:CC:00:11:22"))
	require.False(t, ValidMAC("aabbccddeeff"))
	require.False(t, ValidMAC("aa:bb:cc:dd:ee"))
}

func TestParseTimestampForms(t *testing.T) {
	var want = time.Date(2025, 9, 17, 12, 3, 20, 0, time.UTC)
	require.Equal(t, want, ParseTimestamp("2025-09-17T12:03:20Z"))
	require.Equal(t, want, ParseTimestamp(want.Unix()))
	require.Equal(t, want, ParseTimestamp(float64(want.UnixMilli())))
	require.Equal(t, want, ParseTimestamp(want))
}
