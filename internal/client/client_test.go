package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binshare/binshare/internal/protocol"
)

// --- Backoff Tests ---

func TestBackoffDuration(t *testing.T) {
	b := DefaultBackoff()

	for i := 0; i < 10; i++ {
		d := b.Duration()
		if d < b.Min {
			t.Errorf("attempt %d: duration %v < min %v", i, d, b.Min)
		}
		if d > b.Max {
			t.Errorf("attempt %d: duration %v > max %v", i, d, b.Max)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := DefaultBackoff()

	for i := 0; i < 5; i++ {
		b.Duration()
	}
	if b.Attempt() != 5 {
		t.Errorf("expected attempt 5, got %d", b.Attempt())
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("expected attempt 0 after reset, got %d", b.Attempt())
	}

	// Post-reset duration should be near Min (within jitter)
	d := b.Duration()
	maxWithJitter := time.Duration(float64(b.Min) * (1 + b.Jitter))
	if d > maxWithJitter {
		t.Errorf("post-reset duration %v > expected max %v", d, maxWithJitter)
	}
}

func TestBackoffCap(t *testing.T) {
	b := DefaultBackoff()

	for i := 0; i < 30; i++ {
		d := b.Duration()
		if d > b.Max {
			t.Fatalf("attempt %d: duration %v exceeds max %v", i, d, b.Max)
		}
	}
}

func TestBackoffExponentialGrowth(t *testing.T) {
	b := &Backoff{
		Min:    100 * time.Millisecond,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0, // no jitter for deterministic test
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}

	for i, want := range expected {
		got := b.Duration()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

// --- Client Test Helpers ---

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stubServer accepts WebSocket connections and hands them to the test,
// which plays the server side of the protocol explicitly.
type stubServer struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{conns: make(chan *websocket.Conn, 4)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *stubServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func connectedClient(t *testing.T, s *stubServer, opts ...Option) (*Client, *websocket.Conn) {
	t.Helper()
	c := New(s.URL()+"/ws", opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, s.accept(t)
}

func readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalEnvelope(data)
}

func writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeEvent(conn *websocket.Conn, tick uint64, kind string) error {
	env, err := protocol.NewEvent(&protocol.EventMessage{
		EventKind: kind,
		Tick:      tick,
		Data:      json.RawMessage(`{"ea":4195840}`),
	})
	if err != nil {
		return err
	}
	return writeEnvelope(conn, env)
}

func fastTestBackoff() *Backoff {
	return &Backoff{
		Min:    10 * time.Millisecond,
		Max:    100 * time.Millisecond,
		Factor: 2.0,
		Jitter: 0.1,
	}
}

// --- Client Tests ---

func TestClientConnectAndClose(t *testing.T) {
	stub := newStubServer(t)

	c := New(stub.URL() + "/ws")
	require.NoError(t, c.Connect(context.Background()))
	stub.accept(t)

	assert.True(t, c.IsConnected())
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())

	_, open := <-c.Events()
	assert.False(t, open, "events channel must close on shutdown")
}

func TestClientConnectFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// port 1 is almost certainly not listening
	c := New("ws://127.0.0.1:1/ws")
	err := c.Connect(ctx)
	require.Error(t, err)
}

func TestClientQueryReplyCorrelation(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	type result struct {
		repos []protocol.Repository
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		repos, err := c.GetRepositories(ctx, "")
		resCh <- result{repos, err}
	}()

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpGetRepositories, q.Op)
	assert.Equal(t, protocol.KindQuery, q.Kind)

	rep, err := protocol.NewReply(q, protocol.GetRepositoriesReply{Repositories: []protocol.Repository{
		{Hash: "aa", File: "a.exe", FileType: "pe"},
		{Hash: "bb", File: "b.so", FileType: "elf"},
	}})
	require.NoError(t, err)
	require.NoError(t, writeEnvelope(srvConn, rep))

	res := <-resCh
	require.NoError(t, res.err)
	require.Len(t, res.repos, 2)
	assert.Equal(t, "aa", res.repos[0].Hash)
}

func TestClientQueryErrorMapsToSentinel(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- c.NewRepository(ctx, protocol.Repository{Hash: "dup", File: "a", FileType: "pe"})
	}()

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	rep := protocol.NewErrorReply(q, fmt.Errorf("repository dup: %w", protocol.ErrDuplicateKey))
	require.NoError(t, writeEnvelope(srvConn, rep))

	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrDuplicateKey)
}

func TestClientUploadSendsEnvelopeThenBinary(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	var (
		progressMu sync.Mutex
		progress   []int64
	)
	track := func(transferred, total int64) {
		progressMu.Lock()
		progress = append(progress, transferred)
		progressMu.Unlock()
	}

	content := bytes.Repeat([]byte{0xAB}, 2*transferChunk+1000)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- c.UploadDatabase(ctx, "beef", "branch-1", content, track)
	}()

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUploadDatabase, q.Op)

	var announce protocol.UploadDatabaseQuery
	require.NoError(t, protocol.DecodePayload(q, &announce))
	assert.Equal(t, int64(len(content)), announce.Size)
	assert.Equal(t, protocol.Checksum(content), announce.Checksum)

	srvConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, body, err := srvConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.True(t, bytes.Equal(content, body), "uploaded bytes must survive intact")

	rep, err := protocol.NewReply(q, protocol.UploadDatabaseReply{Size: int64(len(body))})
	require.NoError(t, err)
	require.NoError(t, writeEnvelope(srvConn, rep))

	require.NoError(t, <-errCh)

	progressMu.Lock()
	defer progressMu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(len(content)), progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.LessOrEqual(t, progress[i-1], progress[i], "progress must not decrease")
	}
}

func TestClientDownloadReceivesContent(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	var (
		progressMu sync.Mutex
		last       int64
		lastTotal  int64
	)
	track := func(transferred, total int64) {
		progressMu.Lock()
		last, lastTotal = transferred, total
		progressMu.Unlock()
	}

	content := bytes.Repeat([]byte{0x5C}, transferChunk+512)

	type result struct {
		content []byte
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		got, err := c.DownloadDatabase(ctx, "beef", "branch-1", track)
		resCh <- result{got, err}
	}()

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDownloadDatabase, q.Op)

	rep, err := protocol.NewReply(q, protocol.DownloadDatabaseReply{
		Size:     int64(len(content)),
		Checksum: protocol.Checksum(content),
	})
	require.NoError(t, err)
	require.NoError(t, writeEnvelope(srvConn, rep))
	require.NoError(t, srvConn.WriteMessage(websocket.BinaryMessage, content))

	res := <-resCh
	require.NoError(t, res.err)
	assert.True(t, bytes.Equal(content, res.content))

	progressMu.Lock()
	defer progressMu.Unlock()
	assert.Equal(t, int64(len(content)), last)
	assert.Equal(t, int64(len(content)), lastTotal)
}

func TestClientDownloadChecksumMismatch(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.DownloadDatabase(ctx, "beef", "branch-1", nil)
		errCh <- err
	}()

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)

	content := []byte("what arrived")
	rep, err := protocol.NewReply(q, protocol.DownloadDatabaseReply{
		Size:     int64(len(content)),
		Checksum: protocol.Checksum([]byte("what was promised")),
	})
	require.NoError(t, err)
	require.NoError(t, writeEnvelope(srvConn, rep))
	require.NoError(t, srvConn.WriteMessage(websocket.BinaryMessage, content))

	err = <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestClientSubscribeDeliversEvents(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub)

	require.NoError(t, c.Subscribe("beef", "branch-1", 0))

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpSubscribe, q.Op)

	var sub protocol.SubscribeQuery
	require.NoError(t, protocol.DecodePayload(q, &sub))
	assert.Equal(t, "beef", sub.RepoHash)
	assert.Equal(t, uint64(0), sub.Tick)

	require.NoError(t, writeEvent(srvConn, 1, "rename"))
	require.NoError(t, writeEvent(srvConn, 2, "comment"))

	for want := uint64(1); want <= 2; want++ {
		select {
		case msg := <-c.Events():
			assert.Equal(t, want, msg.Tick)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}

	assert.Eventually(t, func() bool { return c.LastTick() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestClientReconnectResubscribesAtLastTick(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub, WithBackoff(fastTestBackoff()))

	require.NoError(t, c.Subscribe("beef", "branch-1", 0))

	q, err := readEnvelope(srvConn)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpSubscribe, q.Op)

	require.NoError(t, writeEvent(srvConn, 1, "rename"))
	require.NoError(t, writeEvent(srvConn, 2, "rename"))
	for i := 0; i < 2; i++ {
		select {
		case <-c.Events():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Eventually(t, func() bool { return c.LastTick() == 2 },
		2*time.Second, 10*time.Millisecond)

	// Drop the connection; the client must redial and resubscribe
	// asking only for what it has not seen.
	srvConn.Close()

	srvConn2 := stub.accept(t)
	q2, err := readEnvelope(srvConn2)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpSubscribe, q2.Op)

	var resub protocol.SubscribeQuery
	require.NoError(t, protocol.DecodePayload(q2, &resub))
	assert.Equal(t, "beef", resub.RepoHash)
	assert.Equal(t, uint64(2), resub.Tick)

	// The restored stream keeps delivering.
	require.NoError(t, writeEvent(srvConn2, 3, "rename"))
	select {
	case msg := <-c.Events():
		assert.Equal(t, uint64(3), msg.Tick)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect event")
	}
}

func TestClientDisconnectWithoutReconnect(t *testing.T) {
	stub := newStubServer(t)
	c, srvConn := connectedClient(t, stub, WithAutoReconnect(false))

	srvConn.Close()
	assert.Eventually(t, func() bool { return !c.IsConnected() },
		2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.GetRepositories(ctx, "")
	require.ErrorIs(t, err, ErrConnectionLost)

	select {
	case _, open := <-c.Events():
		assert.False(t, open, "events channel must close when reconnect is off")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after disconnect")
	}
}
