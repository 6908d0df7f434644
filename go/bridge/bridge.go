// Package bridge owns the USB serial link to the radio co-processor.
// It reads zero-delimited COBS frames on a dedicated loop, reopening
// the port with back-off on any I/O error, and serializes writes so
// outbound frames never interleave.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/DjimEbambe/IoTferme/go/frame"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrLinkDown fails a Send attempted while no port is open.
var ErrLinkDown = errors.New("serial link down")

// maxPendingBytes bounds the rolling read buffer. A talker that never
// emits a frame delimiter (wrong baud rate, garbage stream) would
// otherwise grow it without bound.
const maxPendingBytes = 4096

// Handler receives each decoded inbound frame, in arrival order.
type Handler func(msg map[string]interface{})

// Config carries the serial link options.
type Config struct {
	Device        string
	Baud          int
	RetryInterval time.Duration
	Codec         frame.Codec
}

// serialPort is the slice of go.bug.st/serial.Port the bridge uses;
// tests substitute an in-memory implementation.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(time.Duration) error
}

// Bridge is the serial link owner.
type Bridge struct {
	cfg     Config
	handler Handler

	// open is the port factory; replaced in tests.
	open func(device string, baud int) (serialPort, error)

	writeMu sync.Mutex // Serializes frame writes.

	mu      sync.Mutex
	port    serialPort
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewBridge returns a Bridge delivering inbound frames to |handler|.
func NewBridge(cfg Config, handler Handler) *Bridge {
	return &Bridge{
		cfg:     cfg,
		handler: handler,
		open: func(device string, baud int) (serialPort, error) {
			return serial.Open(device, &serial.Mode{BaudRate: baud})
		},
	}
}

// Start launches the read loop. The port opens lazily inside the loop,
// retrying until it appears; a gateway booting before its co-processor
// enumerates is the normal case, not an error.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	log.WithFields(log.Fields{
		"port":  b.cfg.Device,
		"codec": b.cfg.Codec,
	}).Info("starting serial bridge")
	go b.readLoop(b.stop, b.done)
}

// Stop signals the read loop, waits for it, and closes the port.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	var stop, done = b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done

	b.mu.Lock()
	b.running = false
	b.closePortLocked()
	b.mu.Unlock()
	log.Info("serial bridge stopped")
}

// Send encodes |msg| with the configured codec and writes the framed
// bytes. It fails with ErrLinkDown when no port is open.
func (b *Bridge) Send(msg map[string]interface{}) error {
	var stuffed, err = frame.EncodeFrame(b.cfg.Codec, msg)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	var port = b.port
	b.mu.Unlock()
	if port == nil {
		return ErrLinkDown
	}

	if _, err = port.Write(stuffed); err != nil {
		// The read loop owns recovery; drop the handle so it reopens.
		b.mu.Lock()
		b.closePortLocked()
		b.mu.Unlock()
		return fmt.Errorf("writing serial frame: %w", err)
	}
	return nil
}

// IsConnected reports whether a port is currently open.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

func (b *Bridge) readLoop(stop, done chan struct{}) {
	defer close(done)

	var buf []byte
	var chunk = make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}

		var port = b.ensureOpen(stop)
		if port == nil {
			return
		}

		var n, err = port.Read(chunk)
		if err != nil {
			log.WithField("err", err).Error("serial read error")
			b.mu.Lock()
			b.closePortLocked()
			b.mu.Unlock()
			buf = buf[:0]
			if !sleepOrStop(stop, b.cfg.RetryInterval) {
				return
			}
			continue
		}
		if n == 0 {
			continue // Read timeout tick; lets us observe stop.
		}

		buf = append(buf, chunk[:n]...)
		for {
			var idx = bytes.IndexByte(buf, 0)
			if idx < 0 {
				break
			}
			b.processFrame(buf[:idx+1])
			buf = append(buf[:0], buf[idx+1:]...)
		}
		if len(buf) > maxPendingBytes {
			log.WithField("bytes", len(buf)).Warn("discarding unframed serial data")
			buf = buf[:0]
		}
	}
}

// ensureOpen returns the open port, opening it with back-off as needed.
// It returns nil only when stopped.
func (b *Bridge) ensureOpen(stop chan struct{}) serialPort {
	for {
		b.mu.Lock()
		if b.port != nil {
			var port = b.port
			b.mu.Unlock()
			return port
		}
		b.mu.Unlock()

		select {
		case <-stop:
			return nil
		default:
		}

		var port, err = b.open(b.cfg.Device, b.cfg.Baud)
		if err == nil {
			port.SetReadTimeout(time.Second)
			b.mu.Lock()
			b.port = port
			b.mu.Unlock()
			log.WithField("port", b.cfg.Device).Info("serial port opened")
			return port
		}

		log.WithFields(log.Fields{"port": b.cfg.Device, "err": err}).
			Warn("serial port unavailable, retrying")
		if !sleepOrStop(stop, b.cfg.RetryInterval) {
			return nil
		}
	}
}

// processFrame decodes one zero-terminated frame and hands it to the
// handler. Corrupt frames are logged and dropped; they never take the
// loop down, and one bad frame doesn't affect the next.
func (b *Bridge) processFrame(raw []byte) {
	var msg, err = frame.DecodeFrame(b.cfg.Codec, raw)
	if err != nil {
		log.WithField("err", err).Warn("discarding undecodable frame")
		return
	}
	b.handler(msg)
}

func (b *Bridge) closePortLocked() {
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
}

func sleepOrStop(stop chan struct{}, d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
