// Package command correlates downstream commands with upstream device
// acknowledgements over the serial link, with bounded retries.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DjimEbambe/IoTferme/go/protocol"
	"github.com/DjimEbambe/IoTferme/go/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrTimeout reports that every attempt exhausted its ack window.
	ErrTimeout = errors.New("command timed out")
	// ErrDuplicateCorrelation rejects a send whose correlation id is
	// already pending. Rejected synchronously, before any frame write.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
)

// FrameWriter writes one framed message to the co-processor. The serial
// bridge satisfies it.
type FrameWriter interface {
	Send(msg map[string]interface{}) error
}

// Manager owns the pending-command table.
type Manager struct {
	serial       FrameWriter
	store        *store.Store
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration

	mu      sync.Mutex
	pending map[string]chan map[string]interface{}
}

// NewManager returns a Manager sending through |serial| and persisting
// acks into |st|.
func NewManager(serial FrameWriter, st *store.Store, timeout time.Duration, maxRetries int, retryBackoff time.Duration) *Manager {
	return &Manager{
		serial:       serial,
		store:        st,
		timeout:      timeout,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		pending:      make(map[string]chan map[string]interface{}),
	}
}

// Send writes |cmd| as a `cmd` frame and waits for the matching ack.
// Missing correlation ids are generated. Each attempt waits one timeout
// window; a retry re-sends the identical frame under the same
// correlation id, so a late original ack and a retry ack are
// indistinguishable and the first to arrive wins.
func (m *Manager) Send(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var correlationID, _ = cmd["correlation_id"].(string)
	if correlationID == "" {
		correlationID = uuid.NewString()
		cmd["correlation_id"] = correlationID
	}

	var ackCh = make(chan map[string]interface{}, 1)
	m.mu.Lock()
	if _, dup := m.pending[correlationID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	m.pending[correlationID] = ackCh
	m.mu.Unlock()

	var frame = map[string]interface{}{"type": "cmd"}
	for k, v := range cmd {
		frame[k] = v
	}

	for attempt := 1; attempt <= m.maxRetries+1; attempt++ {
		log.WithFields(log.Fields{
			"asset_id": cmd["asset_id"],
			"corr":     correlationID,
			"attempt":  attempt,
		}).Info("dispatching command")

		if err := m.serial.Send(frame); err != nil {
			m.drop(correlationID)
			return nil, fmt.Errorf("writing command frame: %w", err)
		}

		var timer = time.NewTimer(m.timeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			return ack, nil
		case <-ctx.Done():
			timer.Stop()
			m.drop(correlationID)
			return nil, ctx.Err()
		case <-timer.C:
		}

		if attempt <= m.maxRetries {
			select {
			case ack := <-ackCh:
				return ack, nil
			case <-ctx.Done():
				m.drop(correlationID)
				return nil, ctx.Err()
			case <-time.After(m.retryBackoff):
			}
		}
	}

	m.drop(correlationID)
	return nil, fmt.Errorf("%w: %s", ErrTimeout, correlationID)
}

// HandleAck completes the pending command matching |payload|'s
// correlation id and persists an ack row. Acks without a correlation
// id, or with no pending waiter, are logged and dropped.
func (m *Manager) HandleAck(ctx context.Context, payload map[string]interface{}) error {
	var ack, err = protocol.ParseAck(payload)
	if err != nil {
		log.WithField("payload", payload).Warn("ack without correlation_id")
		return nil
	}

	m.mu.Lock()
	var ch, ok = m.pending[ack.CorrelationID]
	if ok {
		delete(m.pending, ack.CorrelationID)
	}
	m.mu.Unlock()

	if !ok {
		log.WithField("corr", ack.CorrelationID).Warn("stray ack")
		return nil
	}

	select {
	case ch <- payload:
	default:
	}

	if err = m.store.StoreAck(ctx, time.Now().UTC(), ack.AssetID, ack.CorrelationID, ack.OK, ack.Message); err != nil {
		return fmt.Errorf("persisting ack: %w", err)
	}
	return nil
}

// PendingCount returns the number of commands awaiting acks.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) drop(correlationID string) {
	m.mu.Lock()
	delete(m.pending, correlationID)
	m.mu.Unlock()
}
