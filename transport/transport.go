package transport

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings, which is fragile and breaks easily.
var ErrTransportClosed = errors.New("transport closed")

// ErrNotConnected is returned by Notify when no peer is currently connected.
// Callers treat this as "dropped, not queued" and move on.
var ErrNotConnected = errors.New("no peer connected")

// ErrShortFrame is returned by DecodeFrame for a frame too small to carry
// an endpoint tag.
var ErrShortFrame = errors.New("frame too short")

// Endpoint identifies one of the three logical channels on the link.
// Over BLE these map to GATT characteristics; stream transports carry
// the tag as the first byte of each wire message.
type Endpoint byte

const (
	// EndpointOTA carries firmware transfer frames: the OPEN/DONE/ABORT
	// commands, the size frame, and raw image data.
	EndpointOTA Endpoint = 0x01

	// EndpointCommand carries free-form text commands from the peer.
	// Write-only from the peer's side.
	EndpointCommand Endpoint = 0x02

	// EndpointStatus carries outbound status and progress text.
	// Peers read or subscribe; they never write here.
	EndpointStatus Endpoint = 0x03
)

func (e Endpoint) String() string {
	switch e {
	case EndpointOTA:
		return "ota"
	case EndpointCommand:
		return "command"
	case EndpointStatus:
		return "status"
	default:
		return fmt.Sprintf("endpoint(0x%02x)", byte(e))
	}
}

// Frame is one discrete byte sequence on one endpoint. The transport does
// not interpret the payload; it just moves it from one side to the other.
type Frame struct {
	Endpoint Endpoint
	Payload  []byte
}

// EncodeFrame packs a frame into its wire form: one tag byte followed by
// the payload. Stream transports add their own length prefix around this.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, 1+len(f.Payload))
	buf[0] = byte(f.Endpoint)
	copy(buf[1:], f.Payload)
	return buf
}

// DecodeFrame unpacks a wire message produced by EncodeFrame.
// The returned payload aliases p; copy it if it must outlive p.
func DecodeFrame(p []byte) (Frame, error) {
	if len(p) < 1 {
		return Frame{}, ErrShortFrame
	}
	ep := Endpoint(p[0])
	switch ep {
	case EndpointOTA, EndpointCommand, EndpointStatus:
	default:
		return Frame{}, fmt.Errorf("unknown endpoint tag 0x%02x", p[0])
	}
	return Frame{Endpoint: ep, Payload: p[1:]}, nil
}

// EventSink receives everything the link produces: connection changes and
// inbound frames. The core session implements this once and the adapter
// invokes it - no callback classes, no global state.
//
// Adapters must deliver events one at a time. The sink is never entered
// concurrently; a frame is fully processed before the next is dispatched.
type EventSink interface {
	// OnConnect is called when a peer connects.
	OnConnect()

	// OnDisconnect is called when the peer goes away, for any reason.
	OnDisconnect()

	// OnOTAFrame delivers one frame written to the OTA endpoint.
	// The sink must not retain p after returning.
	OnOTAFrame(p []byte)

	// OnCommandFrame delivers one frame written to the command endpoint.
	// The sink must not retain p after returning.
	OnCommandFrame(p []byte)
}

// Adapter is the contract every transport must satisfy.
// The core only ever talks to this interface - it never imports ble,
// serial, websocket, or anything concrete.
//
// This is how you get "same update protocol, swappable links."
type Adapter interface {
	// Bind attaches the event sink. Must be called exactly once, before Start.
	Bind(sink EventSink)

	// Start brings the link up: registers the endpoints, starts frame
	// dispatch, and begins advertising where the link supports it.
	Start() error

	// StartAdvertising resumes discoverability after StopAdvertising.
	// No-op on links without an advertising concept.
	StartAdvertising() error

	// StopAdvertising suspends discoverability without dropping an
	// established connection.
	StopAdvertising() error

	// Notify emits p on the status endpoint. Returns ErrNotConnected when
	// no peer is listening and ErrTransportClosed after Close.
	Notify(p []byte) error

	// Close shuts down the transport.
	// Safe to call multiple times - subsequent calls are no-ops.
	Close() error
}
