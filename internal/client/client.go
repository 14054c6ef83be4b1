// Package client implements the Go client for the binshare protocol:
// correlated queries, the ordered event stream of one subscription and
// whole-file database transfers over a single WebSocket connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	// readWait must exceed the server ping interval so the connection
	// stays alive on an otherwise idle subscription.
	readWait      = 90 * time.Second
	transferWait  = 5 * time.Minute
	transferChunk = 256 << 10
	eventBuffer   = 256
)

var (
	ErrClosed           = errors.New("client is closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrTransferInFlight = errors.New("another download is in flight")
)

// ProgressFunc observes a transfer as cumulative bytes out of total.
type ProgressFunc func(transferred, total int64)

// download tracks the binary frame expected after a successful download
// reply. size is written by the read loop when it routes the reply,
// strictly before the content frame is read.
type download struct {
	requestID string
	size      int64
	progress  ProgressFunc
	content   chan []byte
}

// subscription is the client-side record of the active subscription,
// kept for resubscribing after a reconnect.
type subscription struct {
	repo     string
	branch   string
	lastTick uint64
}

// Client manages one WebSocket connection to a binshare server with:
//   - request/reply correlation over the shared connection
//   - an ordered event stream for the active subscription
//   - jittered exponential backoff reconnect with automatic
//     resubscription from the last delivered tick
//
// Usage: call Connect once, consume Events, then Close to shut down.
type Client struct {
	url    string
	logger *zap.Logger

	backoff   *Backoff
	reconnect bool

	conn   *websocket.Conn
	connMu sync.Mutex

	// writeMu serializes writers so an announce envelope and its binary
	// frame are never interleaved with another write.
	writeMu sync.Mutex

	pending   map[string]chan *protocol.Envelope
	pendingMu sync.Mutex

	dl   *download
	dlMu sync.Mutex

	sub   *subscription
	subMu sync.Mutex

	events chan protocol.EventMessage

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBackoff overrides the default reconnect backoff.
func WithBackoff(b *Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithAutoReconnect controls whether a dropped connection is redialed
// in the background. Enabled by default.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.reconnect = enabled }
}

// New creates a client for the server at url (ws://host:port/ws).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:       url,
		logger:    zap.NewNop(),
		backoff:   DefaultBackoff(),
		reconnect: true,
		pending:   make(map[string]chan *protocol.Envelope),
		events:    make(chan protocol.EventMessage, eventBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and starts the read loop. The first dial
// failure is returned synchronously; later drops are handled by the
// reconnect loop when enabled.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	c.logger.Info("connected", zap.String("url", c.url))

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the read loop and closes the connection. The Events
// channel is closed once the loop has exited.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
	return nil
}

// Events returns the stream of live and replayed events for the active
// subscription, in tick order. Closed when the client shuts down.
func (c *Client) Events() <-chan protocol.EventMessage {
	return c.events
}

// IsConnected returns whether the client has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// LastTick returns the tick of the last event handed to the consumer,
// or the subscription starting point if nothing arrived yet.
func (c *Client) LastTick() uint64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		return 0
	}
	return c.sub.lastTick
}

// GetRepositories lists repositories, optionally filtered to one hash.
func (c *Client) GetRepositories(ctx context.Context, hash string) ([]protocol.Repository, error) {
	reply, err := c.query(ctx, protocol.OpGetRepositories, protocol.GetRepositoriesQuery{Hash: hash})
	if err != nil {
		return nil, err
	}
	var rep protocol.GetRepositoriesReply
	if err := protocol.DecodePayload(reply, &rep); err != nil {
		return nil, err
	}
	return rep.Repositories, nil
}

// GetBranches lists branches filtered by repository hash and/or UUID.
func (c *Client) GetBranches(ctx context.Context, repoHash, branchUUID string) ([]protocol.Branch, error) {
	reply, err := c.query(ctx, protocol.OpGetBranches, protocol.GetBranchesQuery{UUID: branchUUID, RepoHash: repoHash})
	if err != nil {
		return nil, err
	}
	var rep protocol.GetBranchesReply
	if err := protocol.DecodePayload(reply, &rep); err != nil {
		return nil, err
	}
	return rep.Branches, nil
}

func (c *Client) NewRepository(ctx context.Context, repo protocol.Repository) error {
	_, err := c.query(ctx, protocol.OpNewRepository, protocol.NewRepositoryQuery{Repository: repo})
	return err
}

func (c *Client) NewBranch(ctx context.Context, branch protocol.Branch) error {
	_, err := c.query(ctx, protocol.OpNewBranch, protocol.NewBranchQuery{Branch: branch})
	return err
}

// UploadDatabase replaces the branch file blob with content. The
// announce envelope and the content frame are written back to back.
// progress, when non-nil, observes the outbound transfer.
func (c *Client) UploadDatabase(ctx context.Context, repoHash, branchUUID string, content []byte, progress ProgressFunc) error {
	env, err := protocol.NewQuery(protocol.OpUploadDatabase, protocol.UploadDatabaseQuery{
		RepoHash: repoHash,
		UUID:     branchUUID,
		Size:     int64(len(content)),
		Checksum: protocol.Checksum(content),
	})
	if err != nil {
		return err
	}
	ch := c.addPending(env.RequestID)
	defer c.removePending(env.RequestID)

	if err := c.sendTransfer(env, content, progress); err != nil {
		return err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if reply.Error != nil {
			return reply.Error.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// DownloadDatabase fetches the current file blob of the branch and
// verifies it against the announced checksum. progress, when non-nil,
// observes the inbound transfer.
func (c *Client) DownloadDatabase(ctx context.Context, repoHash, branchUUID string, progress ProgressFunc) ([]byte, error) {
	env, err := protocol.NewQuery(protocol.OpDownloadDatabase, protocol.DownloadDatabaseQuery{
		RepoHash: repoHash,
		UUID:     branchUUID,
	})
	if err != nil {
		return nil, err
	}

	dl := &download{requestID: env.RequestID, progress: progress, content: make(chan []byte, 1)}
	if !c.setDownload(dl) {
		return nil, ErrTransferInFlight
	}
	defer c.clearDownload(dl)

	ch := c.addPending(env.RequestID)
	defer c.removePending(env.RequestID)

	if err := c.send(env); err != nil {
		return nil, err
	}

	var announced protocol.DownloadDatabaseReply
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		if reply.Error != nil {
			return nil, reply.Error.Err()
		}
		if err := protocol.DecodePayload(reply, &announced); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}

	select {
	case content, ok := <-dl.content:
		if !ok {
			return nil, ErrConnectionLost
		}
		if got := protocol.Checksum(content); got != announced.Checksum {
			return nil, fmt.Errorf("download checksum mismatch: got %s, want %s", got, announced.Checksum)
		}
		return content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Subscribe binds this client to the branch event stream, replaying
// everything after sinceTick. There is no reply; delivery begins on the
// Events channel.
func (c *Client) Subscribe(repoHash, branchUUID string, sinceTick uint64) error {
	c.subMu.Lock()
	c.sub = &subscription{repo: repoHash, branch: branchUUID, lastTick: sinceTick}
	c.subMu.Unlock()

	env, err := protocol.NewQuery(protocol.OpSubscribe, protocol.SubscribeQuery{
		RepoHash: repoHash,
		UUID:     branchUUID,
		Tick:     sinceTick,
	})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Unsubscribe ends the event stream. Events already in flight may still
// be delivered.
func (c *Client) Unsubscribe() error {
	c.subMu.Lock()
	c.sub = nil
	c.subMu.Unlock()

	env, err := protocol.NewQuery(protocol.OpUnsubscribe, protocol.UnsubscribeQuery{})
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendEvent publishes one change to the subscribed branch. Fire and
// forget: the server assigns the tick and fans out to other subscribers.
func (c *Client) SendEvent(kind string, data json.RawMessage) error {
	env, err := protocol.NewEvent(&protocol.EventMessage{EventKind: kind, Data: data})
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.readLoop(ctx)
		c.closeConn()
		c.failPending()
		c.failDownload()

		if ctx.Err() != nil {
			c.logger.Info("client shutting down")
			return
		}
		if !c.reconnect {
			if err != nil {
				c.logger.Error("connection error", zap.Error(err))
			}
			return
		}
		c.logger.Warn("connection lost", zap.Error(err))

		if !c.redial(ctx) {
			return
		}
	}
}

// redial blocks until a new connection is up and the previous
// subscription is restored, or the context is cancelled.
func (c *Client) redial(ctx context.Context) bool {
	for {
		wait := c.backoff.Duration()
		c.logger.Info("reconnecting",
			zap.Duration("backoff", wait),
			zap.Int("attempt", c.backoff.Attempt()),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("reconnect failed", zap.Error(err))
			continue
		}
		c.setConn(conn)
		c.backoff.Reset()

		if err := c.resubscribe(); err != nil {
			c.logger.Warn("resubscribe failed", zap.Error(err))
			c.closeConn()
			continue
		}
		c.logger.Info("reconnected", zap.String("url", c.url))
		return true
	}
}

// resubscribe restores the previous subscription, asking only for
// events past the last tick already delivered.
func (c *Client) resubscribe() error {
	c.subMu.Lock()
	if c.sub == nil {
		c.subMu.Unlock()
		return nil
	}
	q := protocol.SubscribeQuery{RepoHash: c.sub.repo, UUID: c.sub.branch, Tick: c.sub.lastTick}
	c.subMu.Unlock()

	env, err := protocol.NewQuery(protocol.OpSubscribe, q)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) readLoop(ctx context.Context) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := readWait
		if c.currentDownload() != nil {
			wait = transferWait
		}
		conn.SetReadDeadline(time.Now().Add(wait))

		msgType, r, err := conn.NextReader()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := c.consumeBinary(r); err != nil {
				return err
			}
		case websocket.TextMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			env, err := protocol.UnmarshalEnvelope(data)
			if err != nil {
				c.logger.Warn("malformed message from server", zap.Error(err))
				continue
			}
			c.route(ctx, env)
		}
	}
}

func (c *Client) route(ctx context.Context, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindReply:
		c.noteDownloadReply(env)
		c.pendingMu.Lock()
		ch := c.pending[env.RequestID]
		c.pendingMu.Unlock()
		if ch == nil {
			c.logger.Debug("reply without waiter", zap.String("request_id", env.RequestID))
			return
		}
		ch <- env
	case protocol.KindEvent:
		var msg protocol.EventMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			c.logger.Warn("malformed event from server", zap.Error(err))
			return
		}
		select {
		case c.events <- msg:
			// the tick is recorded only once the event is handed over,
			// so a reconnect replays anything still in flight
			c.subMu.Lock()
			if c.sub != nil {
				c.sub.lastTick = msg.Tick
			}
			c.subMu.Unlock()
		case <-ctx.Done():
		}
	default:
		c.logger.Warn("unexpected message kind from server", zap.String("kind", string(env.Kind)))
	}
}

// noteDownloadReply records the announced size before the content frame
// is read. It runs on the read loop, so the order is guaranteed.
func (c *Client) noteDownloadReply(env *protocol.Envelope) {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if c.dl == nil || c.dl.requestID != env.RequestID || env.Error != nil {
		return
	}
	var rep protocol.DownloadDatabaseReply
	if err := protocol.DecodePayload(env, &rep); err == nil {
		c.dl.size = rep.Size
	}
}

func (c *Client) consumeBinary(r io.Reader) error {
	c.dlMu.Lock()
	dl := c.dl
	c.dlMu.Unlock()

	if dl == nil {
		c.logger.Warn("unexpected binary message from server")
		_, err := io.Copy(io.Discard, r)
		return err
	}

	buf := make([]byte, 0, dl.size)
	chunk := make([]byte, transferChunk)
	var read int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			read += int64(n)
			if dl.progress != nil {
				dl.progress(read, dl.size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	select {
	case dl.content <- buf:
	default:
	}
	return nil
}

func (c *Client) query(ctx context.Context, op protocol.Op, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewQuery(op, payload)
	if err != nil {
		return nil, err
	}
	ch := c.addPending(env.RequestID)
	defer c.removePending(env.RequestID)

	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		if reply.Error != nil {
			return nil, reply.Error.Err()
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// send writes one envelope. Thread-safe.
func (c *Client) send(env *protocol.Envelope) error {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendTransfer writes an announce envelope immediately followed by its
// content as one binary message, written in chunks so progress is
// observable on large databases.
func (c *Client) sendTransfer(env *protocol.Envelope, content []byte, progress ProgressFunc) error {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(transferWait))
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	total := int64(len(content))
	var written int64
	for written < total {
		n := int64(transferChunk)
		if rem := total - written; rem < n {
			n = rem
		}
		if _, err := w.Write(content[written : written+n]); err != nil {
			w.Close()
			return err
		}
		written += n
		if progress != nil {
			progress(written, total)
		}
	}
	return w.Close()
}

func (c *Client) addPending(requestID string) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) removePending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// failPending wakes every reply waiter after the connection drops; a
// closed channel reads as ErrConnectionLost.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) failDownload() {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if c.dl != nil {
		close(c.dl.content)
		c.dl = nil
	}
}

func (c *Client) setDownload(dl *download) bool {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if c.dl != nil {
		return false
	}
	c.dl = dl
	return true
}

func (c *Client) clearDownload(dl *download) {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if c.dl == dl {
		c.dl = nil
	}
}

func (c *Client) currentDownload() *download {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	return c.dl
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
