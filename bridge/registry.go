package bridge

import (
	"context"
	"sync"

	"github.com/agentplexus/callbridge"
)

// Registry tracks live sessions by call SID.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	session *Session
	once    sync.Once
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds s under its call SID, falling back to its session id. An
// older session under the same key is ended and replaced. The returned
// function removes s and is safe to call more than once.
func (r *Registry) Register(s *Session) (unregister func()) {
	if r == nil || s == nil {
		return func() {}
	}
	key := s.CallSID()
	if key == "" {
		key = s.ID()
	}

	entry := &trackedSession{session: s}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*trackedSession)
	}
	old := r.sessions[key]
	r.sessions[key] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.session.logger().Warn("replaced by a new stream for the same call")
		old.session.RequestEnd(ReasonReplaced, nil)
		r.unregister(key, old)
	}

	return func() { r.unregister(key, entry) }
}

func (r *Registry) unregister(key string, entry *trackedSession) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions[key] == entry {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the session registered for callSID.
func (r *Registry) Get(callSID string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[callSID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NotifyCallStatus forwards a Twilio status callback to the call's session.
// It reports whether a session was asked to end.
func (r *Registry) NotifyCallStatus(callSID, status string) bool {
	if !callbridge.IsTerminalStatus(status) {
		return false
	}
	s, ok := r.Get(callSID)
	if !ok {
		return false
	}
	return s.NotifyCallStatus(status)
}

// EndAll asks every registered session to end and returns how many were
// asked.
func (r *Registry) EndAll(reason EndReason) (ended int) {
	if r == nil {
		return 0
	}
	var sessions []*Session
	r.mu.Lock()
	for _, entry := range r.sessions {
		sessions = append(sessions, entry.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.RequestEnd(reason, nil)
		ended++
	}
	return ended
}

// Wait blocks until every registered session has been unregistered or ctx
// is done. It reports whether all sessions finished.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
