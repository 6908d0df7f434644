package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	var s, err = Open(Config{
		Path:          filepath.Join(t.TempDir(), "edge.db"),
		RetentionDays: 28,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBacklogOrderAndCounts(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()
	var now = time.Now()

	var ids []int64
	for _, topic := range []string{"t/1", "t/2", "t/3"} {
		var id, err = s.PutBacklog(ctx, now, topic, []byte(`{"n":1}`), 1, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.IsIncreasing(t, ids)

	rows, err := s.FetchBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		require.Equal(t, ids[i], row.ID)
	}

	stats, err := s.BacklogCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Queued)
	require.EqualValues(t, 0, stats.Inflight)
	require.NotEmpty(t, stats.OldestTS)

	// Mark the first sent but unacked: it stays queued and counts inflight.
	require.NoError(t, s.MarkSent(ctx, ids[:1], false))
	stats, err = s.BacklogCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Queued)
	require.EqualValues(t, 1, stats.Inflight)

	// Acked rows leave the drain scan.
	require.NoError(t, s.MarkSent(ctx, ids[:2], true))
	rows, err = s.FetchBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ids[2], rows[0].ID)

	deleted, err := s.PurgeBacklog(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
}

func TestRetentionPurgeNeverDropsUnacked(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()
	var stale = time.Now().AddDate(0, 0, -60)

	unacked, err := s.PutBacklog(ctx, stale, "t/old", []byte("x"), 1, "")
	require.NoError(t, err)
	acked, err := s.PutBacklog(ctx, stale, "t/old", []byte("y"), 1, "")
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, []int64{acked}, true))

	require.NoError(t, s.PurgeRetention(ctx))

	rows, err := s.BacklogEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, unacked, rows[0].ID)
}

func TestRetentionPurgeDropsOldHistory(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()
	var stale = time.Now().AddDate(0, 0, -60)
	var fresh = time.Now()

	require.NoError(t, s.StoreTelemetry(ctx, stale, "A-PP-01", map[string]float64{"t_c": 20}, nil))
	require.NoError(t, s.StoreTelemetry(ctx, fresh, "A-PP-01", map[string]float64{"t_c": 27.5}, nil))
	require.NoError(t, s.StoreAck(ctx, stale, "A-PP-01", "c-old", true, ""))
	require.NoError(t, s.StoreEvent(ctx, stale, "A-PP-01", "boot", []byte("{}")))

	require.NoError(t, s.PurgeRetention(ctx))

	latest, err := s.LatestTelemetry(ctx, 100)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, map[string]float64{"t_c": 27.5}, latest[0].Metrics)

	acks, err := s.RecentAcks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, acks)
}

func TestStoreTelemetryExpandsPerMetric(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()
	var rssi = -58

	require.NoError(t, s.StoreTelemetry(ctx, time.Now(), "A-PP-01",
		map[string]float64{"t_c": 27.5, "rh": 61}, &rssi))

	latest, err := s.LatestTelemetry(ctx, 100)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, map[string]float64{"t_c": 27.5, "rh": 61}, latest[0].Metrics)
	require.Equal(t, map[string]string{"t_c": "good", "rh": "good"}, latest[0].Quality)
	require.NotNil(t, latest[0].RSSIdBm)
	require.Equal(t, -58, *latest[0].RSSIdBm)
}

func TestLatestTelemetryFoldsByAsset(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()
	var older = time.Now().Add(-time.Hour)
	var newer = time.Now()

	require.NoError(t, s.StoreTelemetry(ctx, older, "A-PP-01", map[string]float64{"t_c": 20, "rh": 50}, nil))
	require.NoError(t, s.StoreTelemetry(ctx, newer, "A-PP-01", map[string]float64{"t_c": 27.5}, nil))
	require.NoError(t, s.StoreTelemetry(ctx, newer, "A-PW-02", map[string]float64{"voltage_v": 228}, nil))

	latest, err := s.LatestTelemetry(ctx, 100)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	var byAsset = map[string]AssetTelemetry{}
	for _, asset := range latest {
		byAsset[asset.AssetID] = asset
	}
	// Newest t_c wins; older rh is still folded in; TS is the max seen.
	require.Equal(t, map[string]float64{"t_c": 27.5, "rh": 50}, byAsset["A-PP-01"].Metrics)
	require.Equal(t, formatTS(newer), formatTS(byAsset["A-PP-01"].TS))
	require.Equal(t, map[string]float64{"voltage_v": 228}, byAsset["A-PW-02"].Metrics)
}

func TestStoreAckRoundTrip(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()

	require.NoError(t, s.StoreAck(ctx, time.Now(), "A-PP-01", "c1", true, "applied"))
	require.NoError(t, s.StoreAck(ctx, time.Now(), "A-PP-01", "c2", false, "timeout"))

	acks, err := s.RecentAcks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	require.Equal(t, "c2", acks[0].CorrelationID)
	require.False(t, acks[0].OK)
	require.Equal(t, "c1", acks[1].CorrelationID)
	require.True(t, acks[1].OK)
}

func TestBacklogEntriesCarryIdempotencyKey(t *testing.T) {
	var s = testStore(t)
	var ctx = context.Background()

	var _, err = s.PutBacklog(ctx, time.Now(), "t/1", []byte("x"), 1, "k1")
	require.NoError(t, err)
	_, err = s.PutBacklog(ctx, time.Now(), "t/2", []byte("y"), 0, "")
	require.NoError(t, err)

	rows, err := s.BacklogEntries(ctx, 50)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "k1", rows[0].IdempotencyKey)
	require.Empty(t, rows[1].IdempotencyKey)
	require.EqualValues(t, 0, rows[1].QoS)
}
