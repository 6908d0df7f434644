// Package backlog drains the durable outbound queue to the broker.
// Every payload that could not be published directly lands in
// queue_out; the manager replays it in insertion order once the broker
// accepts traffic again, pacing itself against queue depth.
package backlog

import (
	"context"
	"sync"
	"time"

	"github.com/DjimEbambe/IoTferme/go/store"
	log "github.com/sirupsen/logrus"
)

// PublishFunc publishes one payload and blocks until the broker
// confirms it (QoS 1 PUBACK), or fails. The broker client provides it;
// taking a function rather than the client breaks the wiring cycle
// between broker failure and enqueue.
type PublishFunc func(ctx context.Context, topic string, payload []byte, qos byte) error

// publishConfirmTimeout bounds one drain publish so a dead broker fails
// the batch instead of wedging the loop.
const publishConfirmTimeout = 10 * time.Second

// Manager owns the single drain task over queue_out.
type Manager struct {
	store     *store.Store
	publish   PublishFunc
	batchSize int
	maxRate   int

	mu      sync.Mutex
	delay   time.Duration
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewManager returns a Manager draining |st| through |publish| in
// batches of |batchSize|, at up to |maxRate| publishes per second.
func NewManager(st *store.Store, publish PublishFunc, batchSize, maxRate int) *Manager {
	if maxRate < 1 {
		maxRate = 1
	}
	return &Manager{
		store:     st,
		publish:   publish,
		batchSize: batchSize,
		maxRate:   maxRate,
		delay:     clampDelay(time.Second/time.Duration(maxRate), time.Millisecond),
	}
}

// Start launches the drain loop. It's a no-op while a loop is live.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
}

// Stop signals the drain loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	var stop, done = m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Enqueue appends one payload to the durable queue.
func (m *Manager) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, idempotencyKey string) (int64, error) {
	var id, err = m.store.PutBacklog(ctx, time.Now().UTC(), topic, payload, qos, idempotencyKey)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"id": id, "topic": topic}).Debug("backlog enqueued")
	return id, nil
}

// Stats reports queue depth and retunes the drain rate against it:
// a deep queue means the cloud path is the bottleneck, so pushing
// harder only grows the WAL.
func (m *Manager) Stats(ctx context.Context) (store.BacklogStats, error) {
	var stats, err = m.store.BacklogCounts(ctx)
	if err != nil {
		return stats, err
	}
	m.applyPressure(stats.Queued)
	return stats, nil
}

func (m *Manager) applyPressure(queued int64) {
	var delay time.Duration
	switch {
	case queued > 100_000:
		delay = clampDelay(time.Second/time.Duration(max(m.maxRate/5, 1)), 10*time.Millisecond)
	case queued > 10_000:
		delay = clampDelay(time.Second/time.Duration(max(m.maxRate/2, 1)), 5*time.Millisecond)
	default:
		delay = clampDelay(time.Second/time.Duration(m.maxRate), time.Millisecond)
	}

	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

func (m *Manager) loop(stop, done chan struct{}) {
	defer close(done)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		var rows, err = m.store.FetchBacklog(ctx, m.batchSize)
		if err != nil {
			log.WithField("err", err).Warn("backlog fetch failed (will retry)")
			if !m.sleep(stop, time.Second) {
				return
			}
			continue
		}
		if len(rows) == 0 {
			if !m.sleep(stop, time.Second) {
				return
			}
			continue
		}

		// Publish in ascending id order, halting the batch on the first
		// failure so no hole-leaving reorder is possible.
		var confirmed []int64
		for _, row := range rows {
			var pubCtx, pubCancel = context.WithTimeout(ctx, publishConfirmTimeout)
			err = m.publish(pubCtx, row.Topic, row.Payload, row.QoS)
			pubCancel()
			if err != nil {
				log.WithFields(log.Fields{"id": row.ID, "err": err}).Warn("backlog publish failed")
				break
			}
			confirmed = append(confirmed, row.ID)
		}

		if len(confirmed) > 0 {
			if err = m.store.MarkSent(ctx, confirmed, true); err != nil {
				log.WithField("err", err).Warn("backlog mark_sent failed (rows will re-drain)")
			}
		}

		m.mu.Lock()
		var delay = m.delay
		m.mu.Unlock()
		if !m.sleep(stop, delay) {
			return
		}
	}
}

// sleep waits for |d| or a stop signal; it reports false on stop.
func (m *Manager) sleep(stop chan struct{}, d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func clampDelay(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
