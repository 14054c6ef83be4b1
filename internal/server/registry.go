package server

import (
	"sync"

	"go.uber.org/zap"
)

// Registry tracks live sessions. Attach/Detach follow the connection
// lifetime; Register/Unregister follow the subscription lifetime, so
// event fan-out only ever walks the subscribed subset. Lock order: a
// session's own mutex may be taken while the registry lock is held
// (Find predicates do this), never the reverse.
type Registry struct {
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.RWMutex
	conns map[string]*Session
	subs  map[string]*Session
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		metrics: GetMetrics(),
		conns:   make(map[string]*Session),
		subs:    make(map[string]*Session),
	}
}

// Attach adds a session when its connection is accepted.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	r.conns[s.id] = s
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(int64(count))
	r.logger.Info("session attached",
		zap.String("session_id", s.id),
		zap.Int("sessions", count),
	)
}

// Detach removes a session and any subscription it still holds.
// No-op if the session was never attached or is already detached.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	if _, ok := r.conns[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, s.id)
	delete(r.subs, s.id)
	conns := len(r.conns)
	subs := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(int64(conns))
	r.metrics.SetActiveSubscriptions(int64(subs))
	r.logger.Info("session detached",
		zap.String("session_id", s.id),
		zap.Int("sessions", conns),
	)
}

// Register makes the session visible to event fan-out. Idempotent.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.subs[s.id] = s
	count := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetActiveSubscriptions(int64(count))
}

// Unregister hides the session from event fan-out. No-op if absent.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	delete(r.subs, s.id)
	count := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetActiveSubscriptions(int64(count))
}

// Find returns a snapshot of the registered sessions matching the
// predicate. The slice is safe to range over after the lock is gone;
// membership may have changed by then.
func (r *Registry) Find(match func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscriptions returns the number of registered subscriptions.
func (r *Registry) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// CloseAll forces every attached session down. Each session unregisters
// itself through its read pump teardown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.conns))
	for _, s := range r.conns {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.shutdown()
	}
}
