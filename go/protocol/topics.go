package protocol

import "fmt"

// Topics fans a site/device pair out into the cloud topic layout.
type Topics struct {
	Base string
}

// NewTopics builds the topic set rooted at `v1/farm/<site>/<device>`.
func NewTopics(site, device string) Topics {
	return Topics{Base: fmt.Sprintf("v1/farm/%s/%s", site, device)}
}

// Telemetry returns the per-channel telemetry topic. Unknown channels
// fold into `env`, matching telemetry normalization.
func (t Topics) Telemetry(channel string) string {
	if !Channels[channel] {
		channel = "env"
	}
	return t.Base + "/telemetry/" + channel
}

func (t Topics) Ack() string    { return t.Base + "/ack" }
func (t Topics) Status() string { return t.Base + "/status" }

// CommandSubscription is the wildcard filter matching commands for any
// device of |site|.
func CommandSubscription(site string) string {
	return fmt.Sprintf("v1/farm/%s/+/cmd", site)
}
