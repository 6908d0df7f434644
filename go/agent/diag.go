package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DjimEbambe/IoTferme/go/device"
	"github.com/DjimEbambe/IoTferme/go/health"
	"github.com/DjimEbambe/IoTferme/go/protocol"
	"github.com/DjimEbambe/IoTferme/go/store"
)

// The operations below back the local diagnostic façade. The HTTP UI
// itself lives outside the core; these are the core's side of it.

// StatusReport is the gateway-level status snapshot.
type StatusReport struct {
	Site            string                  `json:"site"`
	Gateway         string                  `json:"gateway"`
	MQTTConnected   bool                    `json:"mqtt_connected"`
	SerialConnected bool                    `json:"serial_connected"`
	Backlog         store.BacklogStats      `json:"backlog"`
	PendingCommands int                     `json:"pending_commands"`
	Health          map[string]health.State `json:"health"`
}

// StatusReport assembles the live status snapshot.
func (a *Agent) StatusReport(ctx context.Context) (StatusReport, error) {
	var stats, err = a.backlog.Stats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Site:            a.cfg.Site,
		Gateway:         a.cfg.DeviceID,
		MQTTConnected:   a.broker.IsConnected(),
		SerialConnected: a.serial.IsConnected(),
		Backlog:         stats,
		PendingCommands: a.commands.PendingCount(),
		Health:          a.health.Snapshot(),
	}, nil
}

// Metrics bundles the latest folded telemetry with recent acks.
type Metrics struct {
	Telemetry []store.AssetTelemetry `json:"telemetry"`
	Acks      []store.AckRecord      `json:"acks"`
}

// Metrics returns the latest telemetry fold and recent acks.
func (a *Agent) Metrics(ctx context.Context) (Metrics, error) {
	var telemetry, err = a.store.LatestTelemetry(ctx, 100)
	if err != nil {
		return Metrics{}, err
	}
	acks, err := a.store.RecentAcks(ctx, 50)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Telemetry: telemetry, Acks: acks}, nil
}

// Devices returns the device directory snapshot.
func (a *Agent) Devices() []device.Info { return a.devices.Snapshot() }

// PendingCommands returns the number of commands awaiting acks.
func (a *Agent) PendingCommands() int { return a.commands.PendingCount() }

// HealthSnapshot returns all component health states.
func (a *Agent) HealthSnapshot() map[string]health.State { return a.health.Snapshot() }

// BufferView is the backlog inspection result: stats plus the head of
// the unacked queue.
type BufferView struct {
	Stats store.BacklogStats `json:"stats"`
	Head  []store.BacklogRow `json:"head"`
}

// Buffer returns backlog stats and the first 50 pending entries.
func (a *Agent) Buffer(ctx context.Context) (BufferView, error) {
	var stats, err = a.backlog.Stats(ctx)
	if err != nil {
		return BufferView{}, err
	}
	head, err := a.store.BacklogEntries(ctx, 50)
	if err != nil {
		return BufferView{}, err
	}
	return BufferView{Stats: stats, Head: head}, nil
}

// PurgeBacklog deletes confirmed rows and reports the count removed.
func (a *Agent) PurgeBacklog(ctx context.Context) (int64, error) {
	return a.store.PurgeBacklog(ctx)
}

// ReplayBacklog (re)starts the drain loop.
func (a *Agent) ReplayBacklog() { a.backlog.Start() }

// ResetBacklog bounces the drain loop, leaving a marker status in the
// queue so the operator action is visible downstream.
func (a *Agent) ResetBacklog(ctx context.Context) error {
	a.backlog.Stop()
	var payload = map[string]interface{}{
		"ts":     protocol.FormatTimestamp(time.Now()),
		"status": "manual-reset",
		"site":   a.cfg.Site,
		"device": a.cfg.DeviceID,
	}
	var data, _ = json.Marshal(payload)
	if _, err := a.backlog.Enqueue(ctx, a.topics.Status(), data, a.qos, ""); err != nil {
		a.backlog.Start()
		return err
	}
	a.backlog.Start()
	return nil
}

// Ping asks the co-processor to probe one device. The returned
// correlation id identifies an eventual ack.
func (a *Agent) Ping(assetID, mac, correlationID string) (string, error) {
	if correlationID == "" {
		correlationID = fmt.Sprintf("ping-%d", time.Now().Unix())
	}
	var msg = map[string]interface{}{
		"type":           "ping",
		"asset_id":       assetID,
		"correlation_id": correlationID,
	}
	if mac != "" {
		msg["mac"] = mac
	}
	if err := a.serial.Send(msg); err != nil {
		return "", err
	}
	return correlationID, nil
}

// PairBegin opens a mesh pairing window of |durationSeconds| (30–600;
// 0 means the 120 s default).
func (a *Agent) PairBegin(durationSeconds int) error {
	if durationSeconds == 0 {
		durationSeconds = 120
	}
	if durationSeconds < 30 || durationSeconds > 600 {
		return fmt.Errorf("%w: pairing window %ds out of range", protocol.ErrInvalidPayload, durationSeconds)
	}
	return a.serial.Send(map[string]interface{}{
		"type":       "pair_begin",
		"duration_s": durationSeconds,
	})
}

// PairEnd closes the pairing window.
func (a *Agent) PairEnd() error {
	return a.serial.Send(map[string]interface{}{"type": "pair_end"})
}

// SendTimeSync broadcasts the gateway clock to the mesh.
func (a *Agent) SendTimeSync() error {
	var now = time.Now().UTC()
	return a.serial.Send(map[string]interface{}{
		"type":      "time_sync",
		"ts":        protocol.FormatTimestamp(now),
		"offset_ms": 0,
		"epoch_ms":  now.UnixMilli(),
	})
}

// SetGatewayMAC reconfigures the co-processor's station MAC.
func (a *Agent) SetGatewayMAC(mac string, persist bool) error {
	if !protocol.ValidMAC(mac) {
		return fmt.Errorf("%w: malformed MAC %q", protocol.ErrInvalidPayload, mac)
	}
	return a.serial.Send(map[string]interface{}{
		"type":    "cfg",
		"op":      "set_mac",
		"mac":     strings.ToLower(mac),
		"persist": persist,
	})
}
