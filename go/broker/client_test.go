package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	var cases = []struct {
		uri    string
		host   string
		scheme string
		port   int
	}{
		{"mqtt://broker.example.com", "broker.example.com", "tcp", 1883},
		{"mqtts://broker.example.com", "broker.example.com", "ssl", 8883},
		{"mqtts://broker.example.com:9993", "broker.example.com", "ssl", 9993},
		{"tcp://10.0.0.7:1884", "10.0.0.7", "tcp", 1884},
	}
	for _, tc := range cases {
		var host, scheme, port, err = parseURI(tc.uri)
		require.NoError(t, err, tc.uri)
		require.Equal(t, tc.host, host, tc.uri)
		require.Equal(t, tc.scheme, scheme, tc.uri)
		require.Equal(t, tc.port, port, tc.uri)
	}
}

type inboundMessage struct {
	topic   string
	payload []byte
}

func (m inboundMessage) Duplicate() bool   { return false }
func (m inboundMessage) Qos() byte         { return 1 }
func (m inboundMessage) Retained() bool    { return false }
func (m inboundMessage) Topic() string     { return m.topic }
func (m inboundMessage) MessageID() uint16 { return 0 }
func (m inboundMessage) Payload() []byte   { return m.payload }
func (m inboundMessage) Ack()              {}

// Paho delivers on a single router goroutine; a handler blocked on one
// message must not hold up delivery of the next.
func TestInboundDispatchDoesNotBlockRouter(t *testing.T) {
	var release = make(chan struct{})
	var got = make(chan string, 2)
	var c, err = NewClient(Config{
		URI:      "mqtt://localhost",
		ClientID: "edge-agent-test",
	}, func(topic string, _ []byte) {
		if topic == "slow" {
			<-release
		}
		got <- topic
	})
	require.NoError(t, err)

	var dispatched = make(chan struct{})
	go func() {
		c.onMessage(nil, inboundMessage{topic: "slow"})
		c.onMessage(nil, inboundMessage{topic: "fast"})
		close(dispatched)
	}()

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("blocked handler stalled inbound dispatch")
	}
	require.Equal(t, "fast", <-got)
	close(release)
	require.Equal(t, "slow", <-got)
}

func TestSubscriptionsRemembered(t *testing.T) {
	var c, err = NewClient(Config{
		URI:      "mqtt://localhost",
		ClientID: "edge-agent-test",
	}, func(string, []byte) {})
	require.NoError(t, err)

	c.Subscribe("v1/farm/KIN-GOLIATH/+/cmd", 1)
	c.Subscribe("v1/farm/KIN-GOLIATH/ops/cmd", 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, []subscription{
		{topic: "v1/farm/KIN-GOLIATH/+/cmd", qos: 1},
		{topic: "v1/farm/KIN-GOLIATH/ops/cmd", qos: 0},
	}, c.subs)
	require.False(t, c.isUp)
}
