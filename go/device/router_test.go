package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	var r = NewRouter()
	r.Register("aa:bb:cc:dd:ee:ff", "A-PP-01", "1.2.0")

	asset, ok := r.ResolveAsset("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	require.Equal(t, "A-PP-01", asset)

	_, ok = r.ResolveAsset("00:00:00:00:00:00")
	require.False(t, ok)
}

func TestRegisterReconciles(t *testing.T) {
	var r = NewRouter()
	r.Register("aa:bb:cc:dd:ee:ff", "A-PP-01", "1.0.0")

	// Same asset refreshes firmware only.
	r.Register("aa:bb:cc:dd:ee:ff", "A-PP-01", "1.1.0")
	var snap = r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "1.1.0", snap[0].FW)

	// Different asset overwrites with a fresh record.
	r.Register("aa:bb:cc:dd:ee:ff", "A-PW-09", "")
	snap = r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "A-PW-09", snap[0].AssetID)
	require.Empty(t, snap[0].FW)
}

func TestTouchUpdatesKnownOnly(t *testing.T) {
	var r = NewRouter()
	var rssi = -71

	// Touch before registration is a warning, not a registration.
	r.Touch("aa:bb:cc:dd:ee:ff", &rssi, "2.0")
	require.Empty(t, r.Snapshot())

	r.Register("aa:bb:cc:dd:ee:ff", "A-PP-01", "")
	r.Touch("aa:bb:cc:dd:ee:ff", &rssi, "2.0")

	var snap = r.Snapshot()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].RSSIdBm)
	require.Equal(t, -71, *snap[0].RSSIdBm)
	require.Equal(t, "2.0", snap[0].FW)
}

func TestLastSeenMonotonic(t *testing.T) {
	var r = NewRouter()
	r.Register("aa:bb:cc:dd:ee:ff", "A-PP-01", "")

	var prev time.Time
	for i := 0; i < 10; i++ {
		r.Touch("aa:bb:cc:dd:ee:ff", nil, "")
		var seen = r.Snapshot()[0].LastSeen
		require.False(t, seen.Before(prev), "last_seen must never move backwards")
		prev = seen
		time.Sleep(time.Millisecond)
	}
}
