package bridge

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DjimEbambe/IoTferme/go/frame"
	"github.com/stretchr/testify/require"
)

// memPort scripts inbound bytes and captures outbound writes.
type memPort struct {
	mu     sync.Mutex
	inbox  [][]byte
	wrote  [][]byte
	closed bool
}

func (p *memPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.inbox) == 0 {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond) // Simulated read timeout.
		p.mu.Lock()
		return 0, nil
	}
	var chunk = p.inbox[0]
	p.inbox = p.inbox[1:]
	var n = copy(buf, chunk)
	return n, nil
}

func (p *memPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrote = append(p.wrote, append([]byte(nil), buf...))
	return len(buf), nil
}

func (p *memPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPort) SetReadTimeout(time.Duration) error { return nil }

func (p *memPort) feed(chunks ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbox = append(p.inbox, chunks...)
}

func testBridge(t *testing.T, port *memPort) (*Bridge, chan map[string]interface{}) {
	t.Helper()
	var received = make(chan map[string]interface{}, 16)
	var b = NewBridge(Config{
		Device:        "/dev/ttyTEST",
		Baud:          921600,
		RetryInterval: 10 * time.Millisecond,
		Codec:         frame.CodecCBOR,
	}, func(msg map[string]interface{}) { received <- msg })
	b.open = func(string, int) (serialPort, error) { return port, nil }
	return b, received
}

func TestReadLoopDecodesFrames(t *testing.T) {
	var port = &memPort{}
	var b, received = testBridge(t, port)

	var f1, err = frame.EncodeFrame(frame.CodecCBOR, map[string]interface{}{"type": "status", "status": "ok"})
	require.NoError(t, err)
	f2, err := frame.EncodeFrame(frame.CodecCBOR, map[string]interface{}{"type": "ack", "correlation_id": "c1"})
	require.NoError(t, err)

	// Both frames arrive in one read, split across the zero delimiter.
	port.feed(append(append([]byte{}, f1...), f2...))

	b.Start()
	defer b.Stop()

	var first = <-received
	require.Equal(t, "status", first["type"])
	var second = <-received
	require.Equal(t, "ack", second["type"])
}

func TestReadLoopSurvivesCorruptFrame(t *testing.T) {
	var port = &memPort{}
	var b, received = testBridge(t, port)

	var good, err = frame.EncodeFrame(frame.CodecCBOR, map[string]interface{}{"type": "event", "event": "boot"})
	require.NoError(t, err)

	// A garbage frame, then a valid one: the loop drops the first and
	// still delivers the second.
	port.feed([]byte{0x07, 0x01, 0x02, 0x00}, good)

	b.Start()
	defer b.Stop()

	select {
	case msg := <-received:
		require.Equal(t, "event", msg["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after corrupt frame was not delivered")
	}
	require.Empty(t, received)
}

func TestReadLoopCapsUnframedGarbage(t *testing.T) {
	var port = &memPort{}
	var b, received = testBridge(t, port)

	// A delimiter-less stream past the cap is discarded wholesale, so
	// the next real frame decodes instead of being glued to garbage.
	var garbage = bytes.Repeat([]byte{0x41}, 256)
	for i := 0; i <= maxPendingBytes/256; i++ {
		port.feed(append([]byte(nil), garbage...))
	}
	var good, err = frame.EncodeFrame(frame.CodecCBOR, map[string]interface{}{"type": "status", "status": "ok"})
	require.NoError(t, err)
	port.feed(good)

	b.Start()
	defer b.Stop()

	select {
	case msg := <-received:
		require.Equal(t, "status", msg["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("frame after unframed garbage was not delivered")
	}
}

func TestSendFramesAndLinkDown(t *testing.T) {
	var port = &memPort{}
	var b, _ = testBridge(t, port)

	// No port open yet.
	require.ErrorIs(t, b.Send(map[string]interface{}{"type": "ping"}), ErrLinkDown)

	b.Start()
	defer b.Stop()
	require.Eventually(t, b.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Send(map[string]interface{}{"type": "time_sync", "offset_ms": int64(0)}))

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.wrote, 1)

	// The written frame is zero-terminated and round-trips.
	var wire = port.wrote[0]
	require.EqualValues(t, 0, wire[len(wire)-1])
	msg, err := frame.DecodeFrame(frame.CodecCBOR, wire)
	require.NoError(t, err)
	require.Equal(t, "time_sync", msg["type"])
}

func TestStartStopIdempotent(t *testing.T) {
	var port = &memPort{}
	var b, _ = testBridge(t, port)

	b.Start()
	b.Start()
	b.Stop()
	b.Stop()
	require.False(t, b.IsConnected())
}
