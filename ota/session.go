// Package ota implements the firmware update transfer protocol.
//
// A Session consumes the frames a transport adapter delivers from its
// update and command endpoints and drives a flash writer through one
// transfer at a time: an OPEN marker arms the session, a 4-byte
// little-endian size declares the image, data chunks stream into flash,
// and DONE commits the image once the byte count matches the
// declaration. ABORT, a peer disconnect, or a host call to Abort
// discards whatever was staged. Status texts and progress strings are
// pushed back to the peer over the adapter's status endpoint.
package ota

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bleota-org/bleota/flash"
)

// State is the transfer machine state.
type State int

const (
	// StateIdle means no transfer has started since boot.
	StateIdle State = iota
	// StateReceiving means a transfer is accepting image data.
	StateReceiving
	// StateFinalizing means the declared byte count arrived and the
	// image is being validated and committed.
	StateFinalizing
	// StateCompleted means the last transfer committed successfully.
	StateCompleted
	// StateFailed means the last transfer ended with an error.
	StateFailed
	// StateAborted means the last transfer was cancelled.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Active reports whether a transfer is currently in flight.
func (s State) Active() bool {
	return s == StateReceiving || s == StateFinalizing
}

// Terminal reports whether s is an end state of a finished transfer.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// DefaultRestartDelay is how long a committed update waits before the
// restart hook runs, giving the final status notification time to reach
// the peer.
const DefaultRestartDelay = time.Second

// Default rate limit for progress notifications on the status endpoint.
const (
	DefaultProgressPerSecond = 10
	DefaultProgressBurst     = 4
)

// Notifier pushes status and progress texts to the connected peer.
// Transport adapters satisfy it with their status endpoint.
type Notifier interface {
	Notify(p []byte) error
}

// Session is the transfer state machine. It implements the transport
// event-sink contract; bind it to an adapter and inbound frames drive
// it. All methods are safe for concurrent use, but a transfer's frames
// are expected to arrive in order from a single transport.
type Session struct {
	mu sync.Mutex

	flash    flash.Writer
	notifier Notifier
	logger   *slog.Logger
	limiter  *rate.Limiter

	onProgress   ProgressCallback
	onStatus     StatusCallback
	onCommand    CommandCallback
	onConnection ConnectionCallback

	restart      func()
	restartDelay time.Duration
	stallTimeout time.Duration

	state      State
	totalSize  uint32
	sizeKnown  bool
	received   uint32
	connected  bool
	begun      bool
	lastErr    *TransferError
	lastStatus StatusEvent

	stallTimer *time.Timer
	generation uint64
}

// NewSession creates a session that writes received images through w.
func NewSession(w flash.Writer, opts ...Option) (*Session, error) {
	if w == nil {
		return nil, errors.New("ota: flash writer is required")
	}
	s := &Session{
		flash:        w,
		logger:       slog.Default(),
		limiter:      rate.NewLimiter(rate.Limit(DefaultProgressPerSecond), DefaultProgressBurst),
		restartDelay: DefaultRestartDelay,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnConnect marks the peer connected and greets it on the status
// endpoint.
func (s *Session) OnConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	s.logger.Info("peer connected")
	if s.onConnection != nil {
		s.onConnection(true)
	}
	s.notifyStatus(MsgConnected)
}

// OnDisconnect marks the peer gone and aborts any transfer in flight.
func (s *Session) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.state.Active() {
		s.logger.Warn("peer disconnected mid-transfer",
			"received", s.received, "total", s.totalSize)
		s.abortLocked(KindAbortedByDisconnect, MsgAborted)
	}
	if s.onConnection != nil {
		s.onConnection(false)
	}
}

// OnOTAFrame feeds one payload from the update endpoint through the
// state machine.
func (s *Session) OnOTAFrame(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch classify(s.state, s.sizeKnown, p) {
	case frameOpen:
		s.open()
	case frameSize:
		s.beginTransfer(binary.LittleEndian.Uint32(p))
	case frameDone:
		s.finalize()
	case frameAbort:
		s.abortLocked(KindAbortedByPeer, MsgAborted)
	case frameData:
		s.write(p)
	default:
		if len(p) > 0 {
			s.logger.Debug("frame ignored", "state", s.state, "len", len(p))
		}
	}
}

// OnCommandFrame routes an application command to the command callback.
// Commands are routed in every state; an update in flight does not gate
// them.
func (s *Session) OnCommandFrame(p []byte) {
	if len(p) == 0 {
		return
	}
	cmd := string(p)
	s.logger.Debug("command received", "command", cmd)
	if s.onCommand != nil {
		s.onCommand(cmd)
	}
}

// Abort cancels any transfer in flight on behalf of the host
// application. Outside a transfer it does nothing.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(KindAbortedByHost, MsgAborted)
}

// open arms a fresh transfer. Counters and the last error are cleared;
// the previous outcome is no longer observable.
func (s *Session) open() {
	s.totalSize = 0
	s.sizeKnown = false
	s.received = 0
	s.begun = false
	s.lastErr = nil
	s.logger.Info("update opened")
	s.setStatus(StateReceiving, MsgUpdateStarted)
	s.armStallTimer()
}

// beginTransfer records the declared image size and opens the flash
// transaction.
func (s *Session) beginTransfer(size uint32) {
	s.totalSize = size
	s.sizeKnown = true
	if err := s.flash.Begin(size); err != nil {
		s.logger.Error("flash rejected transfer", "size", size, "err", err)
		s.fail(KindInsufficientSpace, MsgNotEnoughSpace, err)
		return
	}
	s.begun = true
	s.logger.Info("receiving firmware", "size", size)
	s.setStatus(StateReceiving, MsgReceiving)
	s.armStallTimer()
}

// write stages one image chunk.
func (s *Session) write(p []byte) {
	if uint64(s.received)+uint64(len(p)) > uint64(s.totalSize) {
		s.rollback()
		s.fail(KindWriteFailure, MsgWriteFailed, fmt.Errorf(
			"chunk of %d bytes at offset %d exceeds declared size %d",
			len(p), s.received, s.totalSize))
		return
	}

	n, err := s.flash.Write(p)
	if err != nil || n == 0 {
		if err == nil {
			err = errors.New("flash accepted no bytes")
		}
		s.rollback()
		s.fail(KindWriteFailure, MsgWriteFailed, err)
		return
	}

	s.received += uint32(n)
	s.notifyProgress()
	s.armStallTimer()
}

// finalize validates the byte count and commits the staged image.
func (s *Session) finalize() {
	s.disarmStallTimer()
	s.state = StateFinalizing
	s.logger.Info("finalizing update", "received", s.received, "declared", s.totalSize)

	if s.received != s.totalSize {
		err := fmt.Errorf("received %d bytes of declared %d", s.received, s.totalSize)
		s.rollback()
		s.fail(KindSizeMismatch, MsgSizeMismatch, err)
		return
	}

	s.begun = false
	if err := s.flash.End(true); err != nil {
		s.logger.Error("flash commit failed", "err", err)
		s.fail(KindFinalizeFailure, MsgFinalizeFailed, err)
		return
	}

	s.setStatus(StateCompleted, MsgCompleted)
	s.logger.Info("update completed", "bytes", s.received)
	s.scheduleRestart()
}

// fail parks the session in StateFailed. Counters stay put so the host
// can inspect how far the transfer got; the next OPEN clears them.
func (s *Session) fail(kind ErrorKind, message string, err error) {
	s.disarmStallTimer()
	s.lastErr = &TransferError{Kind: kind, Msg: message, Err: err}
	s.setStatus(StateFailed, message)
}

// abortLocked cancels a transfer in flight. Unlike a failure, an abort
// clears the counters along with the staged bytes.
func (s *Session) abortLocked(kind ErrorKind, message string) {
	if !s.state.Active() {
		return
	}
	s.disarmStallTimer()
	s.rollback()
	s.totalSize = 0
	s.sizeKnown = false
	s.received = 0
	s.lastErr = &TransferError{Kind: kind, Msg: message}
	s.setStatus(StateAborted, message)
	s.logger.Info("transfer aborted", "reason", kind)
}

// rollback abandons the flash transaction if one is open.
func (s *Session) rollback() {
	if !s.begun {
		return
	}
	s.begun = false
	if err := s.flash.End(false); err != nil {
		s.logger.Warn("flash rollback failed", "err", err)
	}
}

func (s *Session) scheduleRestart() {
	if s.restart == nil {
		return
	}
	s.logger.Info("restart scheduled", "delay", s.restartDelay)
	time.AfterFunc(s.restartDelay, s.restart)
}

// armStallTimer starts or pushes back the inactivity watchdog. The
// generation counter keeps a timer armed for an earlier transfer from
// firing into a later one.
func (s *Session) armStallTimer() {
	if s.stallTimeout <= 0 {
		return
	}
	if s.stallTimer != nil {
		s.stallTimer.Stop()
	}
	s.generation++
	gen := s.generation
	s.stallTimer = time.AfterFunc(s.stallTimeout, func() {
		s.stallExpired(gen)
	})
}

func (s *Session) disarmStallTimer() {
	if s.stallTimer != nil {
		s.stallTimer.Stop()
		s.stallTimer = nil
	}
	s.generation++
}

func (s *Session) stallExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || !s.state.Active() {
		return
	}
	s.logger.Warn("transfer stalled", "received", s.received, "total", s.totalSize)
	s.abortLocked(KindAbortedByHost, MsgStalled)
}

// State reports the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress reports bytes received, the declared total, and the whole
// percentage completed.
func (s *Session) Progress() (received, total uint32, percentage int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.totalSize, Percentage(s.received, s.totalSize)
}

// Connected reports whether a peer is connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// InProgress reports whether a transfer is in flight.
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active()
}

// LastError returns the error that ended the most recent transfer, or
// nil if none has failed or been aborted since the last OPEN.
func (s *Session) LastError() *TransferError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastStatus returns the most recent status event.
func (s *Session) LastStatus() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}
