// Package serial carries the update protocol over a serial link.
//
// Each message is framed as:
//
//	[2 bytes: body length uint16 little-endian][1 byte: endpoint tag][N bytes: payload]
//
// A serial line is a raw byte stream with no message boundaries, so the
// length prefix restores them. The endpoint tag stands in for the
// characteristic a BLE peer would have written to.
package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	goserial "go.bug.st/serial"

	"github.com/bleota-org/bleota/transport"
)

// DefaultMaxFrameSize bounds inbound payloads when no limit is
// configured.
const DefaultMaxFrameSize = 4096

// ErrFrameTooLarge means a frame body cannot fit the 16-bit length
// prefix.
var ErrFrameTooLarge = errors.New("serial: frame too large")

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMaxFrameSize bounds inbound payload size. A peer that exceeds it
// is disconnected.
func WithMaxFrameSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxFrame = n
		}
	}
}

// Adapter implements the transport contract over any byte stream,
// typically an open serial port.
type Adapter struct {
	rw       io.ReadWriteCloser
	sink     transport.EventSink
	logger   *slog.Logger
	maxFrame int

	started   bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// New wraps an established byte stream in an Adapter. The stream must
// already be open; dialing or opening the port happens outside.
func New(rw io.ReadWriteCloser, opts ...Option) *Adapter {
	a := &Adapter{
		rw:       rw,
		logger:   slog.Default(),
		maxFrame: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open opens the named serial port at the given baud rate and wraps it
// in an Adapter.
func Open(portName string, baud int, opts ...Option) (*Adapter, error) {
	port, err := goserial.Open(portName, &goserial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", portName, err)
	}
	return New(port, opts...), nil
}

// Bind attaches the sink that inbound frames are dispatched to.
// Must be called before Start.
func (a *Adapter) Bind(sink transport.EventSink) {
	a.sink = sink
}

// Start reports the point-to-point link as connected and begins reading
// frames in the background.
func (a *Adapter) Start() error {
	if a.sink == nil {
		return errors.New("serial: no sink bound")
	}

	a.writeMu.Lock()
	if a.started {
		a.writeMu.Unlock()
		return errors.New("serial: already started")
	}
	a.started = true
	a.writeMu.Unlock()

	a.sink.OnConnect()
	go a.readLoop()
	return nil
}

// StartAdvertising is a no-op; a serial link is point to point.
func (a *Adapter) StartAdvertising() error { return nil }

// StopAdvertising is a no-op; a serial link is point to point.
func (a *Adapter) StopAdvertising() error { return nil }

// Notify writes p to the peer on the status endpoint.
func (a *Adapter) Notify(p []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.started {
		return transport.ErrNotConnected
	}
	f := transport.Frame{Endpoint: transport.EndpointStatus, Payload: p}
	if err := WriteFrame(a.rw, f); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

// Close shuts the link down. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.rw.Close()
	})
	return err
}

// readLoop reads frames until the stream dies, dispatching each to the
// sink. Whatever ends the loop, the sink hears about the disconnect
// exactly once.
func (a *Adapter) readLoop() {
	defer func() {
		a.Close()
		a.sink.OnDisconnect()
	}()

	for {
		f, err := ReadFrame(a.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.logger.Info("link closed by peer")
			} else {
				a.logger.Warn("link read failed", "err", err)
			}
			return
		}
		if len(f.Payload) > a.maxFrame {
			a.logger.Error("inbound frame over limit, dropping link",
				"len", len(f.Payload), "limit", a.maxFrame)
			return
		}

		switch f.Endpoint {
		case transport.EndpointOTA:
			a.sink.OnOTAFrame(f.Payload)
		case transport.EndpointCommand:
			a.sink.OnCommandFrame(f.Payload)
		case transport.EndpointStatus:
			// Status flows outward only.
			a.logger.Warn("peer wrote to the status endpoint", "len", len(f.Payload))
		}
	}
}

// WriteFrame writes one length-prefixed frame to w. Peers driving the
// device side of the protocol can use it directly.
func WriteFrame(w io.Writer, f transport.Frame) error {
	body := transport.EncodeFrame(f)
	if len(body) > 0xFFFF {
		return ErrFrameTooLarge
	}

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (transport.Frame, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return transport.Frame{}, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n == 0 {
		return transport.Frame{}, transport.ErrShortFrame
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return transport.Frame{}, err
	}
	return transport.DecodeFrame(body)
}
