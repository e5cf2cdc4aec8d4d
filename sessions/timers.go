package sessions

// TimerHandle is a cancellable timer owned by a session.
type TimerHandle interface {
	Stop()
}

// TimerFunc adapts a plain function to TimerHandle.
type TimerFunc func()

func (f TimerFunc) Stop() {
	if f != nil {
		f()
	}
}

// SetTimers records the reconnect and maintenance handles. Either may be nil
// to keep the currently registered handle. When StopTimers already ran, the
// supplied handles are stopped immediately.
func (s *Session) SetTimers(reconnect, maintenance TimerHandle) {
	s.timersMu.Lock()
	if s.stopped {
		s.timersMu.Unlock()
		stopHandle(reconnect)
		stopHandle(maintenance)
		return
	}
	if reconnect != nil {
		s.reconnect = reconnect
	}
	if maintenance != nil {
		s.maintenance = maintenance
	}
	s.timersMu.Unlock()
}

// StopTimers cancels both timer handles together. Only the first call has an
// effect.
func (s *Session) StopTimers() {
	s.stopOnce.Do(func() {
		s.timersMu.Lock()
		s.stopped = true
		reconnect, maintenance := s.reconnect, s.maintenance
		s.reconnect, s.maintenance = nil, nil
		s.timersMu.Unlock()
		stopHandle(reconnect)
		stopHandle(maintenance)
	})
}

// TimersStopped reports whether StopTimers has run.
func (s *Session) TimersStopped() bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return s.stopped
}

func stopHandle(h TimerHandle) {
	if h != nil {
		h.Stop()
	}
}
