package session

// DesignatedSession serves a worker that was already running before any
// client connected. The worker uses the session as its IO from its own
// goroutine; the session never closes itself, its lifetime is bounded by the
// server that supervises the worker.
type DesignatedSession struct {
	*threadCore
	worker Worker
}

// NewDesignatedSession creates the session for worker.
//
// Parameters:
//   - worker: The supervised worker that will use the session
//   - opts: Callbacks and collaborators; Scheduler is required
//
// Returns:
//   - The session, or ErrNilScheduler if opts.Scheduler is nil
func NewDesignatedSession(worker Worker, opts Options) (*DesignatedSession, error) {
	if opts.Scheduler == nil {
		return nil, ErrNilScheduler
	}

	s := &DesignatedSession{
		threadCore: newThreadCore(opts),
		worker:     worker,
	}
	s.self = s

	return s, nil
}

// Worker returns the supervised worker.
func (s *DesignatedSession) Worker() Worker {
	return s.worker
}
