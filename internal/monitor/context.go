// Package monitor runs the two worker loops that exist only while a tunnel
// session is Established: the liveness monitor (periodic session-status
// polling that raises a failure signal) and the DHCP refresher (periodic
// lease renewal). Both honor a shared SessionContext instead of any
// process-wide mutable flag, per the "no global mutable state" design
// decision.
package monitor

import "sync"

// SessionContext carries the cancel signal and the set-once session-error
// signal shared by the supervisor and its Established-state workers. It
// replaces the reference implementation's global is_connected flag and
// status_error_event.
type SessionContext struct {
	cancel     chan struct{}
	cancelOnce sync.Once
	errCh      chan error
	once       sync.Once
}

// NewSessionContext returns a SessionContext for one Established period.
func NewSessionContext() *SessionContext {
	return &SessionContext{
		cancel: make(chan struct{}),
		errCh:  make(chan error, 1),
	}
}

// Done returns a channel closed when the session is being torn down,
// checked at the top of every worker loop iteration so teardown is prompt
// even across a long sleep.
func (s *SessionContext) Done() <-chan struct{} { return s.cancel }

// Cancel signals all workers to stop. Safe to call multiple times, including
// concurrently.
func (s *SessionContext) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// RaiseError sets the session-error signal exactly once per SessionContext
// (I6); subsequent calls are no-ops so a monitor race never double-signals.
func (s *SessionContext) RaiseError(err error) {
	s.once.Do(func() {
		s.errCh <- err
	})
}

// ErrCh exposes the session-error signal for the supervisor's select loop.
func (s *SessionContext) ErrCh() <-chan error { return s.errCh }
