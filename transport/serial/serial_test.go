package serial

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bleota-org/bleota/transport"
)

// sinkRecorder collects dispatched events on channels so tests can wait
// for them.
type sinkRecorder struct {
	connects    chan struct{}
	disconnects chan struct{}
	otaFrames   chan []byte
	commands    chan []byte
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		connects:    make(chan struct{}, 8),
		disconnects: make(chan struct{}, 8),
		otaFrames:   make(chan []byte, 64),
		commands:    make(chan []byte, 64),
	}
}

func (r *sinkRecorder) OnConnect()              { r.connects <- struct{}{} }
func (r *sinkRecorder) OnDisconnect()           { r.disconnects <- struct{}{} }
func (r *sinkRecorder) OnOTAFrame(p []byte)     { r.otaFrames <- append([]byte(nil), p...) }
func (r *sinkRecorder) OnCommandFrame(p []byte) { r.commands <- append([]byte(nil), p...) }

// pipePair wires an Adapter to an in-memory stream and returns the peer
// end alongside it.
func pipePair(t *testing.T, opts ...Option) (net.Conn, *Adapter, *sinkRecorder) {
	t.Helper()

	peer, device := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	a := New(device, opts...)
	t.Cleanup(func() { a.Close() })

	sink := newSinkRecorder()
	a.Bind(sink)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return peer, a, sink
}

func waitFrame(t *testing.T, ch chan []byte, what string) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := transport.Frame{Endpoint: transport.EndpointOTA, Payload: []byte("OPEN")}

	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if out.Endpoint != in.Endpoint {
		t.Errorf("expected endpoint %v, got %v", in.Endpoint, out.Endpoint)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("expected payload %q, got %q", in.Payload, out.Payload)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	in := transport.Frame{Endpoint: transport.EndpointCommand}

	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if out.Endpoint != transport.EndpointCommand {
		t.Errorf("expected command endpoint, got %v", out.Endpoint)
	}
	if len(out.Payload) != 0 {
		t.Errorf("expected empty payload, got %q", out.Payload)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, transport.ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, transport.Frame{
		Endpoint: transport.EndpointOTA,
		Payload:  make([]byte, 1<<17),
	})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestStartRequiresSink(t *testing.T) {
	_, device := net.Pipe()
	a := New(device, WithLogger(slog.New(slog.DiscardHandler)))
	defer a.Close()

	if err := a.Start(); err == nil {
		t.Error("expected Start without a sink to fail")
	}
}

func TestStartSignalsConnect(t *testing.T) {
	_, _, sink := pipePair(t)
	waitSignal(t, sink.connects, "connect event")
}

func TestInboundFramesDispatched(t *testing.T) {
	peer, _, sink := pipePair(t)

	go func() {
		WriteFrame(peer, transport.Frame{Endpoint: transport.EndpointOTA, Payload: []byte("OPEN")})
		WriteFrame(peer, transport.Frame{Endpoint: transport.EndpointCommand, Payload: []byte("ping")})
	}()

	if got := waitFrame(t, sink.otaFrames, "ota frame"); string(got) != "OPEN" {
		t.Errorf("expected OPEN, got %q", got)
	}
	if got := waitFrame(t, sink.commands, "command frame"); string(got) != "ping" {
		t.Errorf("expected ping, got %q", got)
	}
}

// TestInboundStatusDropped writes to the outbound-only endpoint and then
// a normal frame, proving the drop does not take the link down.
func TestInboundStatusDropped(t *testing.T) {
	peer, _, sink := pipePair(t)

	go func() {
		WriteFrame(peer, transport.Frame{Endpoint: transport.EndpointStatus, Payload: []byte("bogus")})
		WriteFrame(peer, transport.Frame{Endpoint: transport.EndpointOTA, Payload: []byte("OPEN")})
	}()

	if got := waitFrame(t, sink.otaFrames, "ota frame"); string(got) != "OPEN" {
		t.Errorf("expected OPEN, got %q", got)
	}
}

func TestNotifyDeliversStatusFrame(t *testing.T) {
	peer, a, _ := pipePair(t)

	go func() {
		if err := a.Notify([]byte("Connected")); err != nil {
			t.Errorf("Notify failed: %v", err)
		}
	}()

	f, err := ReadFrame(peer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Endpoint != transport.EndpointStatus {
		t.Errorf("expected the status endpoint, got %v", f.Endpoint)
	}
	if string(f.Payload) != "Connected" {
		t.Errorf("expected Connected, got %q", f.Payload)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	_, device := net.Pipe()
	a := New(device, WithLogger(slog.New(slog.DiscardHandler)))
	defer a.Close()

	if err := a.Notify([]byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestPeerCloseSignalsDisconnect(t *testing.T) {
	peer, _, sink := pipePair(t)

	peer.Close()
	waitSignal(t, sink.disconnects, "disconnect event")
}

func TestOversizeInboundFrameDropsLink(t *testing.T) {
	peer, _, sink := pipePair(t, WithMaxFrameSize(16))

	go WriteFrame(peer, transport.Frame{
		Endpoint: transport.EndpointOTA,
		Payload:  make([]byte, 64),
	})

	waitSignal(t, sink.disconnects, "disconnect after oversize frame")
}

func TestCloseIsIdempotent(t *testing.T) {
	_, a, sink := pipePair(t)

	if err := a.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	waitSignal(t, sink.disconnects, "disconnect after local close")
}
