package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/binshare/binshare/internal/client"
	"github.com/binshare/binshare/internal/config"
	"github.com/binshare/binshare/internal/protocol"
	"github.com/binshare/binshare/internal/server"
	"github.com/binshare/binshare/internal/storage"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type harness struct {
	t     *testing.T
	srv   *server.Server
	store *storage.Store
	files *storage.FileStore
	ts    *httptest.Server
	wsURL string
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, nil)
}

func newHarnessWithConfig(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "integration.db"), 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	files, err := storage.NewFileStore(filepath.Join(dir, "files"), nil)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}

	cfg := config.DefaultServerConfig()
	cfg.Server.MaxDatabaseMB = 8
	if mutate != nil {
		mutate(cfg)
	}

	srv := server.New(cfg, store, files, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())

	h := &harness{
		t:     t,
		srv:   srv,
		store: store,
		files: files,
		ts:    ts,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
	t.Cleanup(func() {
		srv.Registry().CloseAll()
		ts.Close()
		files.Close()
		store.Close()
	})
	return h
}

// fastBackoff keeps reconnect delays test-sized.
func fastBackoff() *client.Backoff {
	return &client.Backoff{Min: 20 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2, Jitter: 0.1}
}

func (h *harness) newClient(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()

	opts = append([]client.Option{client.WithBackoff(fastBackoff())}, opts...)
	c := client.New(h.wsURL, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// dialRaw opens a bare websocket connection for tests that need a
// misbehaving peer the client package would never produce.
func dialRaw(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func rawSubscribe(t *testing.T, conn *websocket.Conn, repo, branch string, since uint64) {
	t.Helper()

	env, err := protocol.NewQuery(protocol.OpSubscribe, protocol.SubscribeQuery{
		RepoHash: repo,
		UUID:     branch,
		Tick:     since,
	})
	if err != nil {
		t.Fatalf("build subscribe: %v", err)
	}
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal subscribe: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
}

func (h *harness) createRepo(t *testing.T, c *client.Client, hash string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.NewRepository(ctx, protocol.Repository{Hash: hash, File: hash + ".bin", FileType: "pe"}); err != nil {
		t.Fatalf("create repository %s: %v", hash, err)
	}
}

func (h *harness) createBranch(t *testing.T, c *client.Client, repo, branchUUID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.NewBranch(ctx, protocol.Branch{UUID: branchUUID, RepoHash: repo, Bits: 64}); err != nil {
		t.Fatalf("create branch %s: %v", branchUUID, err)
	}
}

func (h *harness) subscribe(t *testing.T, c *client.Client, repo, branchUUID string, since uint64) {
	t.Helper()

	if err := c.Subscribe(repo, branchUUID, since); err != nil {
		t.Fatalf("subscribe %s/%s: %v", repo, branchUUID, err)
	}
}

func (h *harness) waitSubscriptions(t *testing.T, n int) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool {
		return h.srv.Registry().Subscriptions() == n
	}, "subscription count")
}

func (h *harness) waitSessions(t *testing.T, n int) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		return h.srv.Registry().Len() == n
	}, "session count")
}

// collectEvents receives exactly n events from c or fails the test.
func collectEvents(t *testing.T, c *client.Client, n int, timeout time.Duration) []protocol.EventMessage {
	t.Helper()

	out := make([]protocol.EventMessage, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed after %d of %d events", len(out), n)
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func expectNoEvent(t *testing.T, c *client.Client, wait time.Duration) {
	t.Helper()

	select {
	case msg, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event: tick=%d kind=%s", msg.Tick, msg.EventKind)
		}
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}
