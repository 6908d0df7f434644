// Package agent wires the gateway runtime together: the serial bridge
// to the radio co-processor, the durable store and backlog drain, the
// cloud MQTT session, command correlation, the device directory, and
// the periodic maintenance jobs.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DjimEbambe/IoTferme/go/backlog"
	"github.com/DjimEbambe/IoTferme/go/bridge"
	"github.com/DjimEbambe/IoTferme/go/broker"
	"github.com/DjimEbambe/IoTferme/go/command"
	"github.com/DjimEbambe/IoTferme/go/device"
	"github.com/DjimEbambe/IoTferme/go/health"
	"github.com/DjimEbambe/IoTferme/go/protocol"
	"github.com/DjimEbambe/IoTferme/go/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// publishDeadline bounds a direct broker publish before the payload
// falls back to the durable queue.
const publishDeadline = 2 * time.Second

// Broker is the slice of the MQTT client the agent drives.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte)
	IsConnected() bool
	Start()
	Stop()
}

// SerialLink is the slice of the serial bridge the agent drives.
type SerialLink interface {
	Send(msg map[string]interface{}) error
	IsConnected() bool
	Start()
	Stop()
}

// Agent is the gateway runtime.
type Agent struct {
	cfg    Config
	topics protocol.Topics
	qos    byte

	store    *store.Store
	backlog  *backlog.Manager
	broker   Broker
	serial   SerialLink
	commands *command.Manager
	devices  *device.Router
	health   *health.Monitor
	cron     *cron.Cron
}

// New opens the store and builds every component. Start brings the
// loops up; the returned Agent is inert until then.
func New(cfg Config) (*Agent, error) {
	var st, err = store.Open(store.Config{
		Path:          cfg.Store.SQLitePath,
		RetentionDays: cfg.Store.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var a = &Agent{
		cfg:     cfg,
		topics:  protocol.NewTopics(cfg.Site, cfg.DeviceID),
		qos:     byte(cfg.MQTT.QoS),
		store:   st,
		devices: device.NewRouter(),
		health:  health.NewMonitor(),
		cron:    cron.New(),
	}

	a.serial = bridge.NewBridge(bridge.Config{
		Device:        cfg.Serial.Device,
		Baud:          cfg.Serial.Baud,
		RetryInterval: time.Duration(cfg.Serial.RetrySeconds) * time.Second,
		Codec:         cfg.Serial.codec(),
	}, a.handleSerial)

	var lwtTopic = cfg.MQTT.LWTTopic
	if lwtTopic == "" {
		lwtTopic = a.topics.Status()
	}
	var lwtPayload = []byte(cfg.MQTT.LWTPayload)
	if len(lwtPayload) == 0 {
		lwtPayload, _ = json.Marshal(map[string]interface{}{
			"status": "offline",
			"ts":     protocol.FormatTimestamp(time.Now()),
		})
	}
	var clientID = "edge-agent-" + cfg.DeviceID
	if len(clientID) > 23 {
		clientID = clientID[:23]
	}
	mq, err := broker.NewClient(broker.Config{
		URI:        cfg.MQTT.URI,
		ClientID:   clientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Keepalive:  time.Duration(cfg.MQTT.Keepalive) * time.Second,
		UseTLS:     cfg.MQTT.UseTLS,
		CAFile:     cfg.MQTT.CAFile,
		CertFile:   cfg.MQTT.CertFile,
		KeyFile:    cfg.MQTT.KeyFile,
		LWTTopic:   lwtTopic,
		LWTPayload: lwtPayload,
		QoS:        a.qos,
	}, a.handleMQTT)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building mqtt client: %w", err)
	}
	a.broker = mq

	a.backlog = backlog.NewManager(st, mq.Publish, cfg.Store.MaxBatch, cfg.Store.MaxRate)
	a.commands = command.NewManager(a.serial, st,
		cfg.Commands.timeout(), cfg.Commands.MaxRetries, cfg.Commands.retryBackoff())
	return a, nil
}

// Start brings the runtime up: maintenance jobs, command subscription,
// backlog drain, broker session, serial link, and finally an online
// status announcement.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.registerJobs(); err != nil {
		return fmt.Errorf("registering scheduler jobs: %w", err)
	}

	a.broker.Subscribe(protocol.CommandSubscription(a.cfg.Site), a.qos)
	a.backlog.Start()
	a.broker.Start()
	a.serial.Start()
	a.cron.Start()

	a.publishOrEnqueue(ctx, a.topics.Status(), map[string]interface{}{
		"status": "online",
		"ts":     protocol.FormatTimestamp(time.Now()),
		"site":   a.cfg.Site,
		"device": a.cfg.DeviceID,
	})
	a.updateLinkHealth(ctx)

	log.WithFields(log.Fields{
		"site":   a.cfg.Site,
		"device": a.cfg.DeviceID,
	}).Info("edge agent started")
	return nil
}

// Stop tears the runtime down in reverse dependency order. The
// scheduler is stopped without waiting for in-flight jobs.
func (a *Agent) Stop() {
	a.serial.Stop()
	a.broker.Stop()
	a.backlog.Stop()
	if err := a.store.Close(); err != nil {
		log.WithField("err", err).Warn("store close failed")
	}
	a.cron.Stop()
	log.Info("edge agent stopped")
}

func (a *Agent) registerJobs() error {
	// Retention purge, nightly at 03:00 local.
	var _, err = a.cron.AddFunc("0 3 * * *", func() {
		var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.store.PurgeRetention(ctx); err != nil {
			log.WithField("err", err).Warn("retention purge failed")
		}
	})
	if err != nil {
		return err
	}

	if _, err = a.cron.AddFunc(a.cfg.timeSyncSpec(), func() {
		if err := a.SendTimeSync(); err != nil {
			log.WithField("err", err).Warn("time-sync broadcast failed")
		}
	}); err != nil {
		return err
	}

	_, err = a.cron.AddFunc("@every 15s", func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.updateLinkHealth(ctx)
	})
	return err
}

// publishOrEnqueue is the durability primitive behind every outbound
// publish: try the broker under a short deadline, and on any failure
// persist the payload for the backlog drain. The caller never sees the
// broker outage.
func (a *Agent) publishOrEnqueue(ctx context.Context, topic string, payload map[string]interface{}) {
	var data, err = json.Marshal(payload)
	if err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).Error("unencodable payload dropped")
		return
	}

	var pubCtx, cancel = context.WithTimeout(ctx, publishDeadline)
	err = a.broker.Publish(pubCtx, topic, data, a.qos)
	cancel()
	if err == nil {
		return
	}

	log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("publish fell back to backlog")
	var idem, _ = payload["idempotency_key"].(string)
	if _, err = a.backlog.Enqueue(ctx, topic, data, a.qos, idem); err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).Error("backlog enqueue failed")
	}
}

// handleSerial dispatches one decoded inbound frame by its type.
func (a *Agent) handleSerial(msg map[string]interface{}) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch protocol.Classify(msg) {
	case protocol.KindTelemetry:
		a.handleTelemetry(ctx, msg)

	case protocol.KindAck:
		if err := a.commands.HandleAck(ctx, msg); err != nil {
			log.WithField("err", err).Warn("ack handling failed")
		}
		a.publishOrEnqueue(ctx, a.topics.Ack(), msg)

	case protocol.KindStatus:
		var status, _ = msg["status"].(string)
		if status == "" {
			status = "unknown"
		}
		var detail = make(map[string]interface{}, len(msg))
		for k, v := range msg {
			if k != "type" {
				detail[k] = v
			}
		}
		a.health.Set("gateway", status, detail)
		a.publishOrEnqueue(ctx, a.topics.Status(), msg)

	case protocol.KindEvent:
		var assetID, _ = msg["asset_id"].(string)
		if assetID == "" {
			assetID = "unknown"
		}
		var eventType, _ = msg["event"].(string)
		if eventType == "" {
			eventType = "generic"
		}
		var raw, _ = json.Marshal(msg)
		if err := a.store.StoreEvent(ctx, time.Now().UTC(), assetID, eventType, raw); err != nil {
			log.WithField("err", err).Warn("event store failed")
		}
		a.publishOrEnqueue(ctx, a.topics.Status(), msg)

	default:
		log.WithField("msg", msg).Debug("unknown serial message")
	}
}

func (a *Agent) handleTelemetry(ctx context.Context, msg map[string]interface{}) {
	var tel, err = protocol.ParseTelemetry(msg)
	if err != nil {
		log.WithField("err", err).Warn("invalid telemetry dropped")
		return
	}

	if err = a.store.StoreTelemetry(ctx, tel.TS, tel.AssetID, tel.Metrics, tel.RSSIdBm); err != nil {
		log.WithField("err", err).Warn("telemetry store failed")
	}
	if tel.MAC != "" {
		a.devices.Register(tel.MAC, tel.AssetID, tel.FW)
		a.devices.Touch(tel.MAC, tel.RSSIdBm, tel.FW)
	}
	a.publishOrEnqueue(ctx, a.topics.Telemetry(tel.Channel), msg)
}

// handleMQTT handles one inbound cloud command and publishes its ack,
// synthesizing an ok=false ack when every attempt times out.
func (a *Agent) handleMQTT(topic string, payload []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("invalid command payload")
		return
	}
	if err := protocol.ValidateCommand(&cmd); err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("invalid command payload")
		return
	}

	var ctx = context.Background()
	var resp, err = a.SendCommand(ctx, &cmd)
	switch {
	case err == nil:
		a.publishOrEnqueue(ctx, a.topics.Ack(), resp)
	case errors.Is(err, command.ErrTimeout):
		log.WithField("corr", cmd.CorrelationID).Error("command timed out")
		a.publishOrEnqueue(ctx, a.topics.Ack(), map[string]interface{}{
			"asset_id":       cmd.AssetID,
			"correlation_id": cmd.CorrelationID,
			"ok":             false,
			"message":        "timeout",
			"ts":             protocol.FormatTimestamp(time.Now()),
		})
	default:
		log.WithFields(log.Fields{"corr": cmd.CorrelationID, "err": err}).
			Warn("command dispatch failed")
	}
}

// SendCommand validates and dispatches |cmd| to the mesh, returning the
// device's ack payload.
func (a *Agent) SendCommand(ctx context.Context, cmd *protocol.Command) (map[string]interface{}, error) {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	var raw, err = json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	var asMap map[string]interface{}
	if err = json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	// The manager generates a correlation id when the caller omitted
	// one; copy it back before inspecting the error so a timeout ack
	// still correlates.
	resp, err := a.commands.Send(ctx, asMap)
	cmd.CorrelationID, _ = asMap["correlation_id"].(string)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *Agent) updateLinkHealth(ctx context.Context) {
	a.health.Set("mqtt", upDown(a.broker.IsConnected()),
		map[string]interface{}{"connected": a.broker.IsConnected()})
	a.health.Set("serial", upDown(a.serial.IsConnected()),
		map[string]interface{}{"connected": a.serial.IsConnected()})

	var stats, err = a.backlog.Stats(ctx)
	if err != nil {
		a.health.Set("backlog", "unknown", map[string]interface{}{"err": err.Error()})
		return
	}
	var status = "ok"
	if stats.Queued >= 1000 {
		status = "degraded"
	}
	a.health.Set("backlog", status, map[string]interface{}{
		"queued":   stats.Queued,
		"inflight": stats.Inflight,
	})
}

func upDown(connected bool) string {
	if connected {
		return "up"
	}
	return "down"
}
