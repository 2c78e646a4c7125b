package ota

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ProgressCallback receives transfer progress after every accepted
// chunk.
type ProgressCallback func(received, total uint32, percentage int)

// StatusCallback receives every state change together with the text
// that announced it on the status endpoint.
type StatusCallback func(state State, message string)

// CommandCallback receives application commands from the command
// endpoint.
type CommandCallback func(command string)

// ConnectionCallback fires when a peer connects or disconnects.
type ConnectionCallback func(connected bool)

// Option configures a Session.
//
// Callbacks run synchronously on the session's dispatch path and must
// not call back into the session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier sets the status endpoint sink. Without one, status and
// progress texts are reported through callbacks only.
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// WithProgressCallback registers a progress observer.
//
// Example:
//
//	session, err := ota.NewSession(w,
//		ota.WithProgressCallback(func(received, total uint32, pct int) {
//			fmt.Printf("\r%3d%% (%d/%d)", pct, received, total)
//		}))
func WithProgressCallback(fn ProgressCallback) Option {
	return func(s *Session) {
		s.onProgress = fn
	}
}

// WithStatusCallback registers a state change observer.
func WithStatusCallback(fn StatusCallback) Option {
	return func(s *Session) {
		s.onStatus = fn
	}
}

// WithCommandCallback registers the handler for application commands.
func WithCommandCallback(fn CommandCallback) Option {
	return func(s *Session) {
		s.onCommand = fn
	}
}

// WithConnectionCallback registers a connect/disconnect observer.
func WithConnectionCallback(fn ConnectionCallback) Option {
	return func(s *Session) {
		s.onConnection = fn
	}
}

// WithRestart schedules fn to run delay after an update commits,
// typically to reboot into the new image. A delay of zero or less keeps
// DefaultRestartDelay.
//
// Example:
//
//	session, err := ota.NewSession(w,
//		ota.WithRestart(reboot, 2*time.Second))
func WithRestart(fn func(), delay time.Duration) Option {
	return func(s *Session) {
		s.restart = fn
		if delay > 0 {
			s.restartDelay = delay
		}
	}
}

// WithStallTimeout aborts a transfer when no frame arrives for d.
// Zero, the default, disables the watchdog.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.stallTimeout = d
	}
}

// WithProgressLimit caps wire progress notifications at perSecond with
// the given burst. The callback and the final notification of a
// transfer are never limited.
func WithProgressLimit(perSecond float64, burst int) Option {
	return func(s *Session) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}
