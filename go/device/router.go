// Package device keeps the MAC → asset directory for field devices
// behind the radio co-processor. Registration only ever comes from
// telemetry, which is the one message carrying both MAC and asset id.
package device

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Info describes one known device.
type Info struct {
	AssetID  string    `json:"asset_id"`
	MAC      string    `json:"mac"`
	RSSIdBm  *int      `json:"rssi_dbm,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	FW       string    `json:"fw,omitempty"`
}

// Router is the mutex-guarded device directory.
type Router struct {
	mu      sync.Mutex
	devices map[string]*Info
}

// NewRouter returns an empty directory.
func NewRouter() *Router {
	return &Router{devices: make(map[string]*Info)}
}

// Register adds |mac| or reconciles an existing entry: the same asset
// refreshes firmware, a different asset replaces the record (hardware
// swap under a reassigned MAC).
func (r *Router) Register(mac, assetID, fw string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[mac]; ok && existing.AssetID == assetID {
		if fw != "" {
			existing.FW = fw
		}
		log.WithFields(log.Fields{"mac": mac, "asset_id": assetID}).Debug("device already registered")
		return
	}
	r.devices[mac] = &Info{AssetID: assetID, MAC: mac, FW: fw, LastSeen: time.Now().UTC()}
	log.WithFields(log.Fields{"mac": mac, "asset_id": assetID}).Info("device registered")
}

// Touch refreshes last-seen, RSSI and firmware for a known MAC. An
// unknown MAC is only warned about: it must register through telemetry
// first.
func (r *Router) Touch(mac string, rssiDbm *int, fw string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dev, ok = r.devices[mac]
	if !ok {
		log.WithField("mac", mac).Warn("touch of unknown device MAC")
		return
	}
	if now := time.Now().UTC(); now.After(dev.LastSeen) {
		dev.LastSeen = now
	}
	dev.RSSIdBm = rssiDbm
	if fw != "" {
		dev.FW = fw
	}
}

// ResolveAsset returns the asset id behind |mac|, if known.
func (r *Router) ResolveAsset(mac string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[mac]; ok {
		return dev.AssetID, true
	}
	return "", false
}

// Snapshot returns a copy of the directory, safe to serialize.
func (r *Router) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = make([]Info, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	return out
}
