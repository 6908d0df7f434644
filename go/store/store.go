// Package store is the durable SQLite layer under the gateway: the
// outbound publish queue, telemetry history, acks and events, with
// retention purge. All access serializes through one store-wide mutex;
// the store is a contention point and simplicity beats per-table
// locking at this scale.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_out (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    topic TEXT NOT NULL,
    payload BLOB NOT NULL,
    qos INTEGER NOT NULL DEFAULT 1,
    sent INTEGER NOT NULL DEFAULT 0,
    acked INTEGER NOT NULL DEFAULT 0,
    idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_drain ON queue_out(acked, id);

CREATE TABLE IF NOT EXISTS telemetry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    value REAL,
    quality TEXT DEFAULT 'good',
    rssi_dbm INTEGER
);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts);
CREATE INDEX IF NOT EXISTS idx_telemetry_asset ON telemetry(asset_id);

CREATE TABLE IF NOT EXISTS ack (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    ok INTEGER NOT NULL,
    message TEXT
);
CREATE INDEX IF NOT EXISTS idx_ack_corr ON ack(correlation_id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// Store wraps the gateway's SQLite database.
type Store struct {
	db            *sql.DB
	retentionDays int
	mu            sync.Mutex
}

// Config configures the store path and retention window.
type Config struct {
	Path          string
	RetentionDays int
}

// Open opens (creating as needed) the database at |cfg.Path| with WAL
// journaling, and applies the schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	var db, err = sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The mutex serializes all access; one connection is all we use.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.WithField("path", cfg.Path).Info("sqlite store opened")
	return &Store{db: db, retentionDays: cfg.RetentionDays}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	log.Info("sqlite store closed")
	return nil
}

// tsFormat is the on-disk timestamp encoding: fixed-width RFC 3339 UTC,
// so lexicographic comparison matches chronological order.
const tsFormat = "2006-01-02T15:04:05Z"

func formatTS(ts time.Time) string { return ts.UTC().Format(tsFormat) }

// BacklogRow is a queued outbound publish awaiting drain.
type BacklogRow struct {
	ID             int64
	TS             string
	Topic          string
	Payload        []byte
	QoS            byte
	Sent           bool
	Acked          bool
	IdempotencyKey string
}

// BacklogStats summarizes queue depth for pacing and health.
type BacklogStats struct {
	Queued   int64  `json:"queued"`
	Inflight int64  `json:"inflight"`
	OldestTS string `json:"oldest_ts,omitempty"`
}

// PutBacklog appends one outbound payload and returns its queue id,
// which is also its drain position.
func (s *Store) PutBacklog(ctx context.Context, ts time.Time, topic string, payload []byte, qos byte, idempotencyKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idem interface{}
	if idempotencyKey != "" {
		idem = idempotencyKey
	}
	var res, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_out (ts, topic, payload, qos, idempotency_key) VALUES (?, ?, ?, ?, ?)`,
		formatTS(ts), topic, payload, qos, idem)
	if err != nil {
		return 0, fmt.Errorf("inserting backlog row: %w", err)
	}
	return res.LastInsertId()
}

// FetchBacklog returns up to |limit| unacked rows in ascending id
// order, which is the drain order.
func (s *Store) FetchBacklog(ctx context.Context, limit int) ([]BacklogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx,
		`SELECT id, topic, payload, qos FROM queue_out WHERE acked = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching backlog: %w", err)
	}
	defer rows.Close()

	var out []BacklogRow
	for rows.Next() {
		var r BacklogRow
		if err = rows.Scan(&r.ID, &r.Topic, &r.Payload, &r.QoS); err != nil {
			return nil, fmt.Errorf("scanning backlog row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSent bulk-updates |ids| as sent, and as acked when |acked|.
func (s *Store) MarkSent(ctx context.Context, ids []int64, acked bool) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mark_sent tx: %w", err)
	}
	var ackFlag = 0
	if acked {
		ackFlag = 1
	}
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx,
			`UPDATE queue_out SET sent = 1, acked = ? WHERE id = ?`, ackFlag, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("marking row %d sent: %w", id, err)
		}
	}
	return tx.Commit()
}

// PurgeBacklog deletes all acked rows and returns the count removed.
func (s *Store) PurgeBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res, err = s.db.ExecContext(ctx, `DELETE FROM queue_out WHERE acked = 1`)
	if err != nil {
		return 0, fmt.Errorf("purging backlog: %w", err)
	}
	return res.RowsAffected()
}

// BacklogCounts reports queue depth: queued is every unacked row,
// inflight the sent-but-unacked subset.
func (s *Store) BacklogCounts(ctx context.Context) (BacklogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats BacklogStats
	var oldest sql.NullString
	var err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(CASE WHEN sent = 1 THEN 1 END),
		       MIN(ts)
		FROM queue_out WHERE acked = 0`).Scan(&stats.Queued, &stats.Inflight, &oldest)
	if err != nil {
		return stats, fmt.Errorf("counting backlog: %w", err)
	}
	stats.OldestTS = oldest.String
	return stats, nil
}

// BacklogEntries returns the head of the unacked queue for inspection.
func (s *Store) BacklogEntries(ctx context.Context, limit int) ([]BacklogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, ts, topic, payload, qos, sent, acked, COALESCE(idempotency_key, '')
		FROM queue_out WHERE acked = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backlog entries: %w", err)
	}
	defer rows.Close()

	var out []BacklogRow
	for rows.Next() {
		var r BacklogRow
		if err = rows.Scan(&r.ID, &r.TS, &r.Topic, &r.Payload, &r.QoS, &r.Sent, &r.Acked, &r.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scanning backlog entry: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StoreTelemetry expands a wide metrics map into one row per metric.
func (s *Store) StoreTelemetry(ctx context.Context, ts time.Time, assetID string, metrics map[string]float64, rssiDbm *int) error {
	if len(metrics) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning telemetry tx: %w", err)
	}
	var rssi interface{}
	if rssiDbm != nil {
		rssi = *rssiDbm
	}
	for metric, value := range metrics {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO telemetry (ts, asset_id, metric, value, quality, rssi_dbm)
			VALUES (?, ?, ?, ?, 'good', ?)`,
			formatTS(ts), assetID, metric, value, rssi); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting telemetry row: %w", err)
		}
	}
	return tx.Commit()
}

// StoreAck appends one ack record.
func (s *Store) StoreAck(ctx context.Context, ts time.Time, assetID, correlationID string, ok bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var okFlag = 0
	if ok {
		okFlag = 1
	}
	var msg interface{}
	if message != "" {
		msg = message
	}
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO ack (ts, asset_id, correlation_id, ok, message) VALUES (?, ?, ?, ?, ?)`,
		formatTS(ts), assetID, correlationID, okFlag, msg)
	if err != nil {
		return fmt.Errorf("inserting ack row: %w", err)
	}
	return nil
}

// StoreEvent appends one event record.
func (s *Store) StoreEvent(ctx context.Context, ts time.Time, assetID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO events (ts, asset_id, type, payload) VALUES (?, ?, ?, ?)`,
		formatTS(ts), assetID, eventType, payload)
	if err != nil {
		return fmt.Errorf("inserting event row: %w", err)
	}
	return nil
}

// PurgeRetention deletes telemetry, ack and event rows older than the
// retention window. queue_out rows age out only once acked: an unacked
// payload is a durability obligation, not history.
func (s *Store) PurgeRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cutoff = formatTS(time.Now().UTC().AddDate(0, 0, -s.retentionDays))
	for _, stmt := range []string{
		`DELETE FROM telemetry WHERE ts < ?`,
		`DELETE FROM ack WHERE ts < ?`,
		`DELETE FROM events WHERE ts < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("retention purge: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_out WHERE acked = 1 AND ts < ?`, cutoff); err != nil {
		return fmt.Errorf("retention purge of queue_out: %w", err)
	}
	log.WithField("cutoff", cutoff).Debug("retention purge applied")
	return nil
}

// AssetTelemetry is the latest-telemetry fold of one asset: the most
// recent value per metric, with the newest timestamp seen.
type AssetTelemetry struct {
	AssetID string             `json:"asset_id"`
	TS      time.Time          `json:"ts"`
	Metrics map[string]float64 `json:"metrics"`
	Quality map[string]string  `json:"quality"`
	RSSIdBm *int               `json:"rssi_dbm,omitempty"`
}

// LatestTelemetry scans the |limit| most recent rows and folds them by
// asset. Timestamps are compared parsed, not as strings.
func (s *Store) LatestTelemetry(ctx context.Context, limit int) ([]AssetTelemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx, `
		SELECT ts, asset_id, metric, value, quality, rssi_dbm
		FROM telemetry ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying latest telemetry: %w", err)
	}
	defer rows.Close()

	var byAsset = make(map[string]*AssetTelemetry)
	var order []string
	for rows.Next() {
		var tsRaw, assetID, metric string
		var value float64
		var quality sql.NullString
		var rssi sql.NullInt64
		if err = rows.Scan(&tsRaw, &assetID, &metric, &value, &quality, &rssi); err != nil {
			return nil, fmt.Errorf("scanning telemetry row: %w", err)
		}
		var ts, _ = time.Parse(tsFormat, tsRaw)

		var asset, ok = byAsset[assetID]
		if !ok {
			asset = &AssetTelemetry{
				AssetID: assetID,
				TS:      ts,
				Metrics: make(map[string]float64),
				Quality: make(map[string]string),
			}
			byAsset[assetID] = asset
			order = append(order, assetID)
		}
		// Rows arrive newest-first; keep the first value seen per metric.
		if _, seen := asset.Metrics[metric]; !seen {
			asset.Metrics[metric] = value
			asset.Quality[metric] = quality.String
		}
		if ts.After(asset.TS) {
			asset.TS = ts
		}
		if asset.RSSIdBm == nil && rssi.Valid {
			var v = int(rssi.Int64)
			asset.RSSIdBm = &v
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var out = make([]AssetTelemetry, 0, len(order))
	for _, assetID := range order {
		out = append(out, *byAsset[assetID])
	}
	return out, nil
}

// AckRecord is one persisted command acknowledgement.
type AckRecord struct {
	TS            time.Time `json:"ts"`
	AssetID       string    `json:"asset_id"`
	CorrelationID string    `json:"correlation_id"`
	OK            bool      `json:"ok"`
	Message       string    `json:"message,omitempty"`
}

// RecentAcks returns the most recent ack rows, newest first.
func (s *Store) RecentAcks(ctx context.Context, limit int) ([]AckRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx, `
		SELECT ts, asset_id, correlation_id, ok, COALESCE(message, '')
		FROM ack ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent acks: %w", err)
	}
	defer rows.Close()

	var out []AckRecord
	for rows.Next() {
		var rec AckRecord
		var tsRaw string
		var okFlag int
		if err = rows.Scan(&tsRaw, &rec.AssetID, &rec.CorrelationID, &okFlag, &rec.Message); err != nil {
			return nil, fmt.Errorf("scanning ack row: %w", err)
		}
		rec.TS, _ = time.Parse(tsFormat, tsRaw)
		rec.OK = okFlag == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}
