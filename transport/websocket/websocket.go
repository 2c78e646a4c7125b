// Package websocket carries the update protocol over a WebSocket
// connection, which is how desktop tooling and browser dashboards talk
// to a device simulator.
//
// WebSocket already has message boundaries built in, so each binary
// message is exactly one [1 byte: endpoint tag][N bytes: payload] frame
// with no extra length prefix.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/bleota-org/bleota/transport"
)

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

// Adapter implements the transport contract over a WebSocket
// connection.
type Adapter struct {
	conn   *websocket.Conn
	sink   transport.EventSink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	started   bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// New wraps an established *websocket.Conn in an Adapter. Dialing or
// accepting happens outside.
func New(conn *websocket.Conn) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		conn:   conn,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Accept upgrades an HTTP request to a WebSocket and wraps it in an
// Adapter, for mounting the device side on an HTTP server.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Adapter, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	a := New(conn)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Bind attaches the sink that inbound frames are dispatched to.
// Must be called before Start.
func (a *Adapter) Bind(sink transport.EventSink) {
	a.sink = sink
}

// Start reports the connection as live and begins reading frames in the
// background.
func (a *Adapter) Start() error {
	if a.sink == nil {
		return errors.New("websocket: no sink bound")
	}

	a.writeMu.Lock()
	if a.started {
		a.writeMu.Unlock()
		return errors.New("websocket: already started")
	}
	a.started = true
	a.writeMu.Unlock()

	a.sink.OnConnect()
	go a.readLoop()
	return nil
}

// StartAdvertising is a no-op; the peer found us by dialing.
func (a *Adapter) StartAdvertising() error { return nil }

// StopAdvertising is a no-op; the peer found us by dialing.
func (a *Adapter) StopAdvertising() error { return nil }

// Notify sends p to the peer on the status endpoint.
func (a *Adapter) Notify(p []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.started {
		return transport.ErrNotConnected
	}
	f := transport.Frame{Endpoint: transport.EndpointStatus, Payload: p}
	if err := a.conn.Write(a.ctx, websocket.MessageBinary, transport.EncodeFrame(f)); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

// Close shuts the connection down cleanly. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

// readLoop reads messages until the connection dies, dispatching each
// frame to the sink. The sink hears about the disconnect exactly once.
func (a *Adapter) readLoop() {
	defer func() {
		a.Close()
		a.sink.OnDisconnect()
	}()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.logClose(err)
			return
		}
		if typ != websocket.MessageBinary {
			a.logger.Warn("dropping non-binary message", "type", typ)
			continue
		}

		f, err := transport.DecodeFrame(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", "err", err)
			continue
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

// logClose separates clean closes from broken ones. StatusNormalClosure
// (1000) and StatusGoingAway (1001) are both clean; different peers and
// shutdown timing produce either code. A cancelled context means we
// closed the connection ourselves, which is also clean.
func (a *Adapter) logClose(err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		a.logger.Info("connection closed")
	default:
		a.logger.Warn("connection lost", "err", err)
	}
}
