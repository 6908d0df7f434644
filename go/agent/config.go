package agent

import (
	"fmt"
	"time"

	"github.com/DjimEbambe/IoTferme/go/frame"
)

// Config is the gateway agent configuration, parsed by go-flags from
// flags and environment.
type Config struct {
	Site     string `long:"site" env:"SITE" default:"KIN-GOLIATH" description:"Site identifier"`
	DeviceID string `long:"device-id" env:"DEVICE_ID" default:"esp32gw-01" description:"Gateway device identifier"`

	MQTT     MQTTConfig     `group:"mqtt" namespace:"mqtt" env-namespace:"MQTT"`
	Serial   SerialConfig   `group:"serial" namespace:"serial" env-namespace:"SERIAL"`
	Store    StoreConfig    `group:"store" namespace:"store" env-namespace:"STORE"`
	Commands CommandsConfig `group:"cmd" namespace:"cmd" env-namespace:"CMD"`

	TimeSyncIntervalHours int `long:"time-sync-interval-hours" env:"TIME_SYNC_INTERVAL_HOURS" default:"6" description:"Interval between time-sync broadcasts to the mesh"`
}

// MQTTConfig configures the cloud broker session.
type MQTTConfig struct {
	URI        string `long:"uri" env:"URI" default:"mqtts://broker.example.com:8883" description:"Broker URI (mqtt:// or mqtts://)"`
	Username   string `long:"username" env:"USERNAME" default:"edge-agent" description:"Broker username"`
	Password   string `long:"password" env:"PASSWORD" default:"change-me" description:"Broker password"`
	Keepalive  int    `long:"keepalive" env:"KEEPALIVE" default:"30" description:"Keepalive interval in seconds"`
	UseTLS     bool   `long:"use-tls" env:"USE_TLS" description:"Connect over TLS"`
	CAFile     string `long:"ca-file" env:"CA_FILE" description:"CA bundle for broker verification"`
	CertFile   string `long:"cert-file" env:"CERT_FILE" description:"Client certificate"`
	KeyFile    string `long:"key-file" env:"KEY_FILE" description:"Client certificate key"`
	QoS        int    `long:"qos" env:"QOS" default:"1" choice:"0" choice:"1" description:"Publish/subscribe QoS"`
	LWTTopic   string `long:"lwt-topic" env:"LWT_TOPIC" description:"Last-will topic (defaults to the status topic)"`
	LWTPayload string `long:"lwt-payload" env:"LWT_PAYLOAD" description:"Last-will payload (defaults to an offline status)"`
}

// SerialConfig configures the co-processor link.
type SerialConfig struct {
	Device       string `long:"device" env:"DEVICE" default:"/dev/ttyESP-GW" description:"USB serial device"`
	Baud         int    `long:"baud" env:"BAUD" default:"921600" description:"Baud rate"`
	RetrySeconds int    `long:"retry-seconds" env:"RETRY_SECONDS" default:"5" description:"Reopen back-off after a port error"`
	Codec        string `long:"codec" env:"CODEC" default:"msgpack" choice:"cbor" choice:"msgpack" description:"Frame payload codec"`
}

// StoreConfig configures the durable store and backlog drain.
type StoreConfig struct {
	SQLitePath    string `long:"sqlite-path" env:"SQLITE_PATH" default:"/var/lib/edge-agent/edge.db" description:"SQLite database path"`
	RetentionDays int    `long:"retention-days" env:"RETENTION_DAYS" default:"28" description:"History retention window"`
	MaxBatch      int    `long:"backlog-max-batch" env:"BACKLOG_MAX_BATCH" default:"500" description:"Backlog drain batch size"`
	MaxRate       int    `long:"backlog-max-rate" env:"BACKLOG_MAX_RATE" default:"500" description:"Backlog drain rate ceiling (msgs/s)"`
}

// CommandsConfig configures command dispatch and retry.
type CommandsConfig struct {
	TimeoutSeconds      float64 `long:"timeout-seconds" env:"TIMEOUT_SECONDS" default:"3" description:"Ack wait per attempt"`
	MaxRetries          int     `long:"max-retries" env:"MAX_RETRIES" default:"2" description:"Retries after the first attempt"`
	RetryBackoffSeconds float64 `long:"retry-backoff-seconds" env:"RETRY_BACKOFF_SECONDS" default:"2" description:"Pause between attempts"`
}

// timeSyncSpec builds the cron spec for time-sync broadcasts, falling
// back to the default interval on a non-positive value: "@every 0h"
// would fire every second.
func (c Config) timeSyncSpec() string {
	var hours = c.TimeSyncIntervalHours
	if hours <= 0 {
		hours = 6
	}
	return fmt.Sprintf("@every %dh", hours)
}

func (c SerialConfig) codec() frame.Codec {
	if c.Codec == "cbor" {
		return frame.CodecCBOR
	}
	return frame.CodecMsgPack
}

func (c CommandsConfig) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

func (c CommandsConfig) retryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds * float64(time.Second))
}
