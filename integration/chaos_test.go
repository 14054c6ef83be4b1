package integration

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/binshare/binshare/internal/client"
	"github.com/binshare/binshare/internal/config"
	"github.com/binshare/binshare/internal/protocol"
)

// Concurrent writers on one branch must still produce a single gapless
// tick sequence, and every subscriber must observe it in order.
func TestConcurrentWritersContiguousTicks(t *testing.T) {
	h := newHarness(t)

	const writers = 4
	const perWriter = 25
	total := writers * perWriter

	observer := h.newClient(t)
	h.createRepo(t, observer, "cafe01")
	h.createBranch(t, observer, "cafe01", "branch-1")
	h.subscribe(t, observer, "cafe01", "branch-1", 0)

	senders := make([]*clientHandle, writers)
	for i := range senders {
		senders[i] = &clientHandle{id: i, c: h.newClient(t)}
		h.subscribe(t, senders[i].c, "cafe01", "branch-1", 0)
	}
	h.waitSubscriptions(t, writers+1)

	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(s *clientHandle) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				data := json.RawMessage(fmt.Sprintf(`{"writer":%d,"seq":%d}`, s.id, j))
				if err := s.c.SendEvent(protocol.EventKindComment, data); err != nil {
					t.Errorf("writer %d send %d: %v", s.id, j, err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	msgs := collectEvents(t, observer, total, 10*time.Second)
	for i, msg := range msgs {
		if msg.Tick != uint64(i+1) {
			t.Fatalf("observer event %d: tick = %d, want %d", i, msg.Tick, i+1)
		}
	}

	// each writer sees everyone's events but its own, in ascending order
	for _, s := range senders {
		own := 0
		last := uint64(0)
		for _, msg := range collectEvents(t, s.c, total-perWriter, 10*time.Second) {
			if msg.Tick <= last {
				t.Fatalf("writer %d: tick %d after %d", s.id, msg.Tick, last)
			}
			last = msg.Tick
			var body struct {
				Writer int `json:"writer"`
			}
			if err := json.Unmarshal(msg.Data, &body); err != nil {
				t.Fatalf("writer %d: decode event: %v", s.id, err)
			}
			if body.Writer == s.id {
				own++
			}
		}
		if own != 0 {
			t.Errorf("writer %d received %d of its own events", s.id, own)
		}
	}
}

type clientHandle struct {
	id int
	c  *client.Client
}

// A subscriber that stops reading only hurts itself: the server drops
// it once its queue saturates while the healthy subscriber gets the
// complete stream.
func TestSlowSubscriberEvicted(t *testing.T) {
	h := newHarnessWithConfig(t, func(cfg *config.ServerConfig) {
		cfg.Server.SendQueueSize = 4
		cfg.Server.WriteTimeoutSec = 1
	})

	feeder := h.newClient(t)
	observer := h.newClient(t)

	h.createRepo(t, feeder, "cafe01")
	h.createBranch(t, feeder, "cafe01", "branch-1")
	h.subscribe(t, feeder, "cafe01", "branch-1", 0)
	h.subscribe(t, observer, "cafe01", "branch-1", 0)

	slow := dialRaw(t, h.wsURL)
	rawSubscribe(t, slow, "cafe01", "branch-1", 0)
	h.waitSubscriptions(t, 3)

	// bulky events so the kernel cannot buffer the whole stream for
	// the non-reading peer
	const total = 40
	blob := strings.Repeat("x", 256<<10)
	for i := 0; i < total; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"seq":%d,"blob":%q}`, i, blob))
		if err := feeder.SendEvent(protocol.EventKindStructChanged, data); err != nil {
			t.Fatalf("send event %d: %v", i, err)
		}
	}

	msgs := collectEvents(t, observer, total, 15*time.Second)
	for i, msg := range msgs {
		if msg.Tick != uint64(i+1) {
			t.Fatalf("observer event %d: tick = %d, want %d", i, msg.Tick, i+1)
		}
	}

	h.waitSessions(t, 2)
}

// An abrupt mid-stream disconnect of one subscriber must not disturb
// delivery to the others.
func TestDisconnectMidStream(t *testing.T) {
	h := newHarness(t)

	feeder := h.newClient(t)
	observer := h.newClient(t)
	dropper := h.newClient(t)

	h.createRepo(t, feeder, "cafe01")
	h.createBranch(t, feeder, "cafe01", "branch-1")
	h.subscribe(t, feeder, "cafe01", "branch-1", 0)
	h.subscribe(t, observer, "cafe01", "branch-1", 0)
	h.subscribe(t, dropper, "cafe01", "branch-1", 0)
	h.waitSubscriptions(t, 3)

	const total = 100
	go func() {
		for i := 0; i < total; i++ {
			data := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
			if err := feeder.SendEvent(protocol.EventKindComment, data); err != nil {
				t.Errorf("send event %d: %v", i, err)
				return
			}
		}
	}()

	head := collectEvents(t, observer, 20, 5*time.Second)
	_ = dropper.Close()
	tail := collectEvents(t, observer, total-20, 10*time.Second)

	all := append(head, tail...)
	for i, msg := range all {
		if msg.Tick != uint64(i+1) {
			t.Fatalf("event %d: tick = %d, want %d", i, msg.Tick, i+1)
		}
	}

	h.waitSessions(t, 2)
}
