// Package broker wraps the cloud MQTT session: last-will, durable
// (clean_session=false) QoS-1 delivery, remembered subscriptions
// replayed on every connect, and confirm-gated publishes.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected fails a publish whose deadline expired before the
// broker session came up. Callers fall back to the durable queue.
var ErrNotConnected = errors.New("mqtt broker not connected")

// reconnectInterval paces connection attempts after a drop.
const reconnectInterval = 5 * time.Second

// MessageHandler receives inbound messages from subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Config carries the broker connection options.
type Config struct {
	URI        string
	ClientID   string
	Username   string
	Password   string
	Keepalive  time.Duration
	UseTLS     bool
	CAFile     string
	CertFile   string
	KeyFile    string
	LWTTopic   string
	LWTPayload []byte
	QoS        byte
}

type subscription struct {
	topic string
	qos   byte
}

// Client is the MQTT session owner.
type Client struct {
	cfg     Config
	client  mqtt.Client
	handler MessageHandler

	pubMu sync.Mutex // Serializes publishes.

	mu        sync.Mutex
	connected chan struct{} // Closed while the session is up.
	isUp      bool
	subs      []subscription // Append-only; replayed on connect.
}

// NewClient builds a Client from |cfg|. Inbound messages on any
// subscribed topic are delivered to |handler|.
func NewClient(cfg Config, handler MessageHandler) (*Client, error) {
	var host, scheme, port, err = parseURI(cfg.URI)
	if err != nil {
		return nil, err
	}

	var c = &Client{
		cfg:       cfg,
		handler:   handler,
		connected: make(chan struct{}),
	}

	var opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, host, port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.Keepalive).
		SetCleanSession(false). // QoS-1 resilience across reconnects.
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if cfg.UseTLS {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetBinaryWill(cfg.LWTTopic, cfg.LWTPayload, cfg.QoS, true)
	}

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Start begins connecting. With connect-retry enabled the session keeps
// trying in the background; Start itself does not block on the broker.
func (c *Client) Start() {
	log.WithField("uri", c.cfg.URI).Info("starting mqtt client")
	c.client.Connect()
}

// Stop tears the session down. The broker publishes the last-will only
// on ungraceful drops, so a clean stop emits nothing.
func (c *Client) Stop() {
	c.client.Disconnect(250)
	log.Info("mqtt client stopped")
}

// Subscribe remembers |topic| and subscribes now if the session is up.
// Remembered subscriptions are re-issued on every connect.
func (c *Client) Subscribe(topic string, qos byte) {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos})
	var up = c.isUp
	c.mu.Unlock()

	if up {
		c.client.Subscribe(topic, qos, c.onMessage)
	}
}

// Publish blocks until the session is up (or |ctx| expires), then
// publishes and waits for the broker's acknowledgement of the delivery
// token. Publishes are serialized by a lock.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	var up = c.connected
	c.mu.Unlock()

	select {
	case <-up:
	case <-ctx.Done():
		return ErrNotConnected
	}

	var token = c.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ErrNotConnected
	}
}

// IsConnected reports true only when the underlying client is connected
// and the connect callback has fired.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	var up = c.isUp
	c.mu.Unlock()
	return up && c.client.IsConnectionOpen()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	var subs = append([]subscription(nil), c.subs...)
	if !c.isUp {
		c.isUp = true
		close(c.connected)
	}
	c.mu.Unlock()

	log.WithField("uri", c.cfg.URI).Info("mqtt connected")
	for _, sub := range subs {
		if token := client.Subscribe(sub.topic, sub.qos, c.onMessage); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{"topic": sub.topic, "err": token.Error()}).
				Warn("mqtt subscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	if c.isUp {
		c.isUp = false
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
	log.WithField("err", err).Warn("mqtt connection lost (will reconnect)")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// Handlers may block for seconds (command dispatch waits on device
	// acks). Paho delivers on a single router goroutine, so a blocked
	// handler would stall every later inbound message.
	go c.handler(msg.Topic(), msg.Payload())
}

// parseURI splits an mqtt(s):// URI into paho's scheme/host/port,
// defaulting the port by scheme (1883 plain, 8883 TLS).
func parseURI(uri string) (host, scheme string, port int, err error) {
	var parsed *url.URL
	if parsed, err = url.Parse(uri); err != nil {
		return "", "", 0, fmt.Errorf("parsing broker URI: %w", err)
	}
	host = parsed.Hostname()
	if host == "" {
		host = "localhost"
	}

	var secure = parsed.Scheme == "mqtts" || parsed.Scheme == "ssl" || parsed.Scheme == "tls"
	scheme = "tcp"
	port = 1883
	if secure {
		scheme = "ssl"
		port = 8883
	}
	if parsed.Port() != "" {
		if _, err = fmt.Sscanf(parsed.Port(), "%d", &port); err != nil {
			return "", "", 0, fmt.Errorf("parsing broker port: %w", err)
		}
	}
	return host, scheme, port, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	var tlsCfg = &tls.Config{}
	if cfg.CAFile != "" {
		var pem, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		var cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
