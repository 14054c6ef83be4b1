package server

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newBareServer() *Server {
	return &Server{
		logger:   zap.NewNop(),
		metrics:  InitMetrics(),
		registry: NewRegistry(zap.NewNop()),
		limits: limits{
			writeWait:   time.Second,
			pingPeriod:  time.Minute,
			pongWait:    time.Minute,
			queueSize:   8,
			parkedLimit: 4,
		},
	}
}

func newBareSession(srv *Server, id string) *Session {
	return &Session{
		srv:    srv,
		id:     id,
		send:   make(chan outFrame, srv.limits.queueSize),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
}

func TestRegistryAttachDetach(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	a := newBareSession(srv, "a")
	b := newBareSession(srv, "b")

	r.Attach(a)
	r.Attach(b)
	if got := r.Len(); got != 2 {
		t.Fatalf("expected 2 attached sessions, got %d", got)
	}

	r.Detach(a)
	if got := r.Len(); got != 1 {
		t.Fatalf("expected 1 attached session after detach, got %d", got)
	}

	// detaching twice is a no-op
	r.Detach(a)
	if got := r.Len(); got != 1 {
		t.Fatalf("expected repeated detach to be a no-op, got %d sessions", got)
	}

	r.Detach(b)
	if got := r.Len(); got != 0 {
		t.Fatalf("expected empty registry, got %d sessions", got)
	}
}

func TestRegistryDetachClearsSubscription(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	s := newBareSession(srv, "s")
	r.Attach(s)
	r.Register(s)
	if got := r.Subscriptions(); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}

	r.Detach(s)
	if got := r.Subscriptions(); got != 0 {
		t.Fatalf("expected detach to drop the subscription, got %d", got)
	}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	s := newBareSession(srv, "s")
	r.Attach(s)
	r.Register(s)
	r.Register(s)
	if got := r.Subscriptions(); got != 1 {
		t.Fatalf("expected repeated register to count once, got %d", got)
	}

	r.Unregister(s)
	if got := r.Subscriptions(); got != 0 {
		t.Fatalf("expected 0 subscriptions after unregister, got %d", got)
	}

	// unregistering an absent session is a no-op
	r.Unregister(s)
	if got := r.Subscriptions(); got != 0 {
		t.Fatalf("expected unregister of absent session to be a no-op, got %d", got)
	}
}

func TestRegistryFindFiltersOnSubscription(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	a := newBareSession(srv, "a")
	a.sub = &subscription{repo: "r1", branch: "b1", parked: make(map[uint64]parkedEvent)}
	b := newBareSession(srv, "b")
	b.sub = &subscription{repo: "r1", branch: "b2", parked: make(map[uint64]parkedEvent)}
	c := newBareSession(srv, "c")
	c.sub = &subscription{repo: "r1", branch: "b1", parked: make(map[uint64]parkedEvent)}

	for _, s := range []*Session{a, b, c} {
		r.Attach(s)
		r.Register(s)
	}

	got := r.Find(func(s *Session) bool { return s.subscribedTo("r1", "b1") })
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions on r1/b1, got %d", len(got))
	}
	for _, s := range got {
		if s.id != "a" && s.id != "c" {
			t.Errorf("unexpected session %q in result", s.id)
		}
	}

	got = r.Find(func(s *Session) bool { return s.subscribedTo("r1", "b1") && s.id != "a" })
	if len(got) != 1 || got[0].id != "c" {
		t.Fatalf("expected only session c, got %v", got)
	}

	got = r.Find(func(s *Session) bool { return s.subscribedTo("r2", "b1") })
	if len(got) != 0 {
		t.Fatalf("expected no sessions on unknown repo, got %d", len(got))
	}
}

func TestRegistryFindExcludesUnregistered(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	s := newBareSession(srv, "s")
	s.sub = &subscription{repo: "r1", branch: "b1", parked: make(map[uint64]parkedEvent)}
	r.Attach(s)

	got := r.Find(func(*Session) bool { return true })
	if len(got) != 0 {
		t.Fatalf("attached but unregistered session must be invisible to Find, got %d", len(got))
	}
}
