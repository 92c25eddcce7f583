package operation

// TryRespond is the response gate: an atomic check-and-set on the record's
// responded flag, guarded by the per-record lock. The first caller wins, the
// responder runs while the lock is held, and every later caller gets false
// without the responder being invoked. This collapses the completion /
// cancellation / disconnect race into a single decision point.
//
// The returned error is the responder's own error (a genuine transport fault
// that survived the fault shield); it never means the gate was lost.
func (r *Record) TryRespond(responder func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return false, nil
	}
	r.responded = true

	// The send happens under the lock so a losing caller can never observe
	// responded=true while the winning send is still in flight.
	return true, responder()
}

// Responded reports whether a terminal response has been transmitted
func (r *Record) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}
