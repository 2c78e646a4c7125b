// Package service assembles a runnable firmware update service from its
// parts: a transport adapter, a flash writer, and the transfer session,
// plus the advertising lifecycle a deployed device needs.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bleota-org/bleota/flash"
	"github.com/bleota-org/bleota/ota"
	"github.com/bleota-org/bleota/transport"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service and its session. Defaults
// to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRestarter sets the hook that reboots into the new image after a
// transfer commits. Without one the device keeps running the old code
// until something else restarts it.
func WithRestarter(fn func()) Option {
	return func(s *Service) {
		s.restarter = fn
	}
}

// WithProgressCallback registers a transfer progress observer.
func WithProgressCallback(fn ota.ProgressCallback) Option {
	return func(s *Service) {
		s.onProgress = fn
	}
}

// WithStatusCallback registers a state change observer.
func WithStatusCallback(fn ota.StatusCallback) Option {
	return func(s *Service) {
		s.onStatus = fn
	}
}

// WithCommandCallback registers the handler for application commands.
func WithCommandCallback(fn ota.CommandCallback) Option {
	return func(s *Service) {
		s.onCommand = fn
	}
}

// WithConnectionCallback registers a connect/disconnect observer.
func WithConnectionCallback(fn ota.ConnectionCallback) Option {
	return func(s *Service) {
		s.onConnection = fn
	}
}

// Service binds one transport adapter to one transfer session and
// manages their shared lifecycle.
type Service struct {
	cfg     Config
	session *ota.Session
	adapter transport.Adapter
	logger  *slog.Logger

	restarter    func()
	onProgress   ota.ProgressCallback
	onStatus     ota.StatusCallback
	onCommand    ota.CommandCallback
	onConnection ota.ConnectionCallback
}

// New wires a service together. The adapter is bound to the session but
// nothing runs until Start.
func New(cfg Config, w flash.Writer, a transport.Adapter, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errors.New("service: flash writer is required")
	}
	if a == nil {
		return nil, errors.New("service: transport adapter is required")
	}

	s := &Service{
		cfg:     cfg,
		adapter: a,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sessionOpts := []ota.Option{
		ota.WithLogger(s.logger),
		ota.WithNotifier(a),
		ota.WithProgressLimit(cfg.ProgressPerSecond, cfg.ProgressBurst),
	}
	if s.restarter != nil {
		sessionOpts = append(sessionOpts, ota.WithRestart(s.restarter, cfg.RestartDelay))
	}
	if cfg.StallTimeout > 0 {
		sessionOpts = append(sessionOpts, ota.WithStallTimeout(cfg.StallTimeout))
	}
	if s.onProgress != nil {
		sessionOpts = append(sessionOpts, ota.WithProgressCallback(s.onProgress))
	}
	if s.onStatus != nil {
		sessionOpts = append(sessionOpts, ota.WithStatusCallback(s.onStatus))
	}
	if s.onCommand != nil {
		sessionOpts = append(sessionOpts, ota.WithCommandCallback(s.onCommand))
	}
	if s.onConnection != nil {
		sessionOpts = append(sessionOpts, ota.WithConnectionCallback(s.onConnection))
	}

	session, err := ota.NewSession(w, sessionOpts...)
	if err != nil {
		return nil, err
	}
	s.session = session
	a.Bind(session)
	return s, nil
}

// Start brings the transport up and announces readiness.
func (s *Service) Start() error {
	if err := s.adapter.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	s.session.Announce(ota.MsgServiceReady)
	s.logger.Info("update service started", "device", s.cfg.DeviceName)
	return nil
}

// Stop hides the device from new peers. An existing connection and any
// transfer in flight are left alone.
func (s *Service) Stop() error {
	if err := s.adapter.StopAdvertising(); err != nil {
		return err
	}
	s.session.Announce(ota.MsgServiceStopped)
	s.logger.Info("update service stopped advertising")
	return nil
}

// Restart makes the device discoverable again after a Stop.
func (s *Service) Restart() error {
	if err := s.adapter.StartAdvertising(); err != nil {
		return err
	}
	s.session.Announce(ota.MsgServiceRestarted)
	s.logger.Info("update service advertising again")
	return nil
}

// Abort cancels any transfer in flight.
func (s *Service) Abort() {
	s.session.Abort()
}

// Close tears the transport down.
func (s *Service) Close() error {
	s.logger.Info("update service closing")
	return s.adapter.Close()
}

// State reports the transfer machine state.
func (s *Service) State() ota.State {
	return s.session.State()
}

// Progress reports bytes received, the declared total, and the whole
// percentage completed.
func (s *Service) Progress() (received, total uint32, percentage int) {
	return s.session.Progress()
}

// Connected reports whether a peer is connected.
func (s *Service) Connected() bool {
	return s.session.Connected()
}

// InProgress reports whether a transfer is in flight.
func (s *Service) InProgress() bool {
	return s.session.InProgress()
}

// LastError returns the error that ended the most recent transfer, or
// nil.
func (s *Service) LastError() *ota.TransferError {
	return s.session.LastError()
}

// LastStatus returns the most recent status event.
func (s *Service) LastStatus() ota.StatusEvent {
	return s.session.LastStatus()
}
