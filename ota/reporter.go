package ota

// Canonical status endpoint texts.
const (
	MsgServiceReady     = "BLE OTA Service Ready"
	MsgConnected        = "Connected"
	MsgUpdateStarted    = "Update started"
	MsgReceiving        = "Receiving firmware"
	MsgCompleted        = "Update completed successfully"
	MsgNotEnoughSpace   = "Not enough space"
	MsgSizeMismatch     = "Size mismatch"
	MsgWriteFailed      = "Write failed"
	MsgFinalizeFailed   = "Update finalization failed"
	MsgAborted          = "Update aborted by user"
	MsgStalled          = "Transfer stalled"
	MsgServiceStopped   = "Service stopped"
	MsgServiceRestarted = "Service restarted"
)

// StatusEvent pairs a machine state with the text that announced it.
type StatusEvent struct {
	State   State
	Message string
}

// Announce reports a service lifecycle message such as MsgServiceReady
// on behalf of the host. The machine state is left untouched; the text
// reaches the status callback and, when a peer is connected, the wire.
func (s *Session) Announce(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastStatus = StatusEvent{State: s.state, Message: message}
	if s.onStatus != nil {
		s.onStatus(s.state, message)
	}
	s.notifyStatus(message)
}

// setStatus records a state change and reports it through the status
// callback and the status endpoint. Callers hold s.mu.
func (s *Session) setStatus(state State, message string) {
	s.state = state
	s.lastStatus = StatusEvent{State: state, Message: message}
	if s.onStatus != nil {
		s.onStatus(state, message)
	}
	s.notifyStatus(message)
}

// notifyStatus pushes message to a connected peer. Delivery failures are
// logged, not returned; status traffic is advisory and the transfer
// outcome never depends on it. Callers hold s.mu.
func (s *Session) notifyStatus(message string) {
	if !s.connected || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify([]byte(message)); err != nil {
		s.logger.Debug("status notify failed", "err", err)
	}
}

// notifyProgress reports transfer progress. The callback sees every
// accepted chunk; wire notifications are rate limited, except that the
// final chunk of an image always notifies. Callers hold s.mu.
func (s *Session) notifyProgress() {
	pct := Percentage(s.received, s.totalSize)
	if s.onProgress != nil {
		s.onProgress(s.received, s.totalSize, pct)
	}

	if !s.connected || s.notifier == nil {
		return
	}
	if s.received != s.totalSize && !s.limiter.Allow() {
		return
	}
	if err := s.notifier.Notify([]byte(ProgressText(s.received, s.totalSize))); err != nil {
		s.logger.Debug("progress notify failed", "err", err)
	}
}
