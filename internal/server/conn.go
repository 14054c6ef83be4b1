package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/protocol"
)

// envelopeSlack pads the read limit so control envelopes still fit once
// the limit is sized for the largest allowed database upload.
const envelopeSlack = 1 << 20

// transferWait bounds a single database frame on the wire. The usual
// write deadline is far too short for a full database.
const transferWait = 5 * time.Minute

var errSessionClosed = errors.New("session closed")

// outFrame is one unit of outbound work for the write pump: an envelope
// and, for transfers, the binary message that must follow it on the wire
// with nothing in between.
type outFrame struct {
	env    *protocol.Envelope
	binary []byte
}

// parkedEvent holds a live delivery that cannot be forwarded yet. A nil
// msg marks one of the session's own inserts: the cursor must advance
// past its tick without writing anything to the wire.
type parkedEvent struct {
	msg *protocol.EventMessage
}

// subscription is the session's view of one branch stream. cursor is the
// highest tick forwarded to the client; parked holds out-of-order live
// deliveries until the gap below them fills.
type subscription struct {
	repo      string
	branch    string
	cursor    uint64
	replaying bool
	parked    map[uint64]parkedEvent
}

// pendingUpload remembers an announced upload while the session waits
// for its binary frame. Touched only by the read pump.
type pendingUpload struct {
	query   *protocol.Envelope
	req     protocol.UploadDatabaseQuery
	branch  protocol.Branch
	started time.Time
}

type handlerFunc func(*protocol.Envelope) error

// Session is one client connection: a read pump that executes commands
// strictly in arrival order and a write pump that drains the send queue.
type Session struct {
	srv      *Server
	conn     *websocket.Conn
	id       string
	send     chan outFrame
	done     chan struct{}
	handlers map[protocol.Op]handlerFunc
	logger   *zap.Logger

	mu  sync.Mutex
	sub *subscription

	upload *pendingUpload

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, id string) *Session {
	s := &Session{
		srv:  srv,
		conn: conn,
		id:   id,
		send: make(chan outFrame, srv.limits.queueSize),
		done: make(chan struct{}),
		logger: srv.logger.With(
			zap.String("session_id", id),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
	s.handlers = map[protocol.Op]handlerFunc{
		protocol.OpGetRepositories:  s.handleGetRepositories,
		protocol.OpGetBranches:      s.handleGetBranches,
		protocol.OpNewRepository:    s.handleNewRepository,
		protocol.OpNewBranch:        s.handleNewBranch,
		protocol.OpUploadDatabase:   s.handleUploadDatabase,
		protocol.OpDownloadDatabase: s.handleDownloadDatabase,
		protocol.OpSubscribe:        s.handleSubscribe,
		protocol.OpUnsubscribe:      s.handleUnsubscribe,
	}
	return s
}

// shutdown forces the connection down. All teardown and unregistration
// happens in the read pump defer, which this unblocks.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.Close()
}

func (s *Session) readPump() {
	defer func() {
		s.srv.registry.Detach(s)
		s.shutdown()
	}()

	s.conn.SetReadLimit(s.srv.limits.readLimit)
	s.conn.SetReadDeadline(time.Now().Add(s.srv.limits.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.limits.pongWait))
		return nil
	})

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.srv.limits.pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			s.handleBinary(message)
		case websocket.TextMessage:
			s.handleMessage(message)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.srv.limits.pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.limits.writeWait))
			data, err := protocol.MarshalEnvelope(frame.env)
			if err != nil {
				s.logger.Error("marshal outbound envelope failed", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if frame.binary != nil {
				s.conn.SetWriteDeadline(time.Now().Add(transferWait))
				if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.binary); err != nil {
					return
				}
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.limits.writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.limits.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleMessage(data []byte) {
	if s.upload != nil {
		// the announced binary frame never came
		up := s.upload
		s.upload = nil
		err := fmt.Errorf("%w: expected binary frame after upload_database", protocol.ErrProtocol)
		s.replyError(up.query, err)
		s.srv.metrics.RecordCommand(string(protocol.OpUploadDatabase), "error")
	}

	env, err := protocol.UnmarshalEnvelope(data)
	if err != nil {
		s.logger.Warn("dropping malformed envelope", zap.Error(err))
		s.srv.metrics.RecordError("session", "malformed_envelope")
		return
	}

	switch env.Kind {
	case protocol.KindQuery:
		s.handleQuery(env)
	case protocol.KindEvent:
		s.handleEvent(env)
	default:
		s.logger.Warn("dropping unexpected reply envelope", zap.String("request_id", env.RequestID))
		s.srv.metrics.RecordError("session", "unexpected_reply")
	}
}

func (s *Session) handleQuery(env *protocol.Envelope) {
	s.logger.Debug("query received",
		zap.String("op", string(env.Op)),
		zap.String("request_id", env.RequestID),
	)

	start := time.Now()
	handler, ok := s.handlers[env.Op]

	var err error
	if !ok {
		err = fmt.Errorf("%w: unknown op %q", protocol.ErrProtocol, env.Op)
		s.replyError(env, err)
	} else {
		err = handler(env)
	}

	// upload_database completes when its binary frame arrives; its
	// metrics are recorded there.
	if env.Op == protocol.OpUploadDatabase && err == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	s.srv.metrics.RecordCommand(string(env.Op), status)
	s.srv.metrics.RecordCommandDuration(string(env.Op), time.Since(start).Seconds())
}

func (s *Session) handleGetRepositories(env *protocol.Envelope) error {
	var q protocol.GetRepositoriesQuery
	if len(env.Payload) > 0 {
		if err := protocol.DecodePayload(env, &q); err != nil {
			err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
			s.replyError(env, err)
			return err
		}
	}

	repos, err := s.srv.store.SelectRepositories(q.Hash)
	if err != nil {
		s.replyError(env, err)
		return err
	}
	return s.reply(env, protocol.GetRepositoriesReply{Repositories: repos})
}

func (s *Session) handleGetBranches(env *protocol.Envelope) error {
	var q protocol.GetBranchesQuery
	if len(env.Payload) > 0 {
		if err := protocol.DecodePayload(env, &q); err != nil {
			err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
			s.replyError(env, err)
			return err
		}
	}

	branches, err := s.srv.store.SelectBranches(q.UUID, q.RepoHash)
	if err != nil {
		s.replyError(env, err)
		return err
	}
	return s.reply(env, protocol.GetBranchesReply{Branches: branches})
}

func (s *Session) handleNewRepository(env *protocol.Envelope) error {
	var q protocol.NewRepositoryQuery
	if err := protocol.DecodePayload(env, &q); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		s.replyError(env, err)
		return err
	}
	if q.Repository.Hash == "" {
		err := fmt.Errorf("%w: repository hash is required", protocol.ErrProtocol)
		s.replyError(env, err)
		return err
	}

	if err := s.srv.store.InsertRepository(q.Repository); err != nil {
		s.replyError(env, err)
		return err
	}
	s.logger.Info("repository created", zap.String("hash", q.Repository.Hash))
	return s.reply(env, protocol.Ack{})
}

func (s *Session) handleNewBranch(env *protocol.Envelope) error {
	var q protocol.NewBranchQuery
	if err := protocol.DecodePayload(env, &q); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		s.replyError(env, err)
		return err
	}
	if q.Branch.UUID == "" || q.Branch.RepoHash == "" {
		err := fmt.Errorf("%w: branch uuid and repo_hash are required", protocol.ErrProtocol)
		s.replyError(env, err)
		return err
	}
	if q.Branch.Bits != 0 && q.Branch.Bits != 32 && q.Branch.Bits != 64 {
		err := fmt.Errorf("%w: bits must be 32 or 64, got %d", protocol.ErrProtocol, q.Branch.Bits)
		s.replyError(env, err)
		return err
	}

	if err := s.srv.store.InsertBranch(q.Branch); err != nil {
		s.replyError(env, err)
		return err
	}
	s.logger.Info("branch created",
		zap.String("uuid", q.Branch.UUID),
		zap.String("repo", q.Branch.RepoHash),
	)
	return s.reply(env, protocol.Ack{})
}

func (s *Session) handleUploadDatabase(env *protocol.Envelope) error {
	var q protocol.UploadDatabaseQuery
	if err := protocol.DecodePayload(env, &q); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		s.replyError(env, err)
		return err
	}
	if q.RepoHash == "" || q.UUID == "" {
		err := fmt.Errorf("%w: upload requires repo_hash and uuid", protocol.ErrProtocol)
		s.replyError(env, err)
		return err
	}
	if q.Size < 0 || q.Size > s.srv.limits.maxDatabase {
		err := fmt.Errorf("%w: database size %d exceeds limit %d", protocol.ErrProtocol, q.Size, s.srv.limits.maxDatabase)
		s.replyError(env, err)
		return err
	}

	branch, err := s.srv.store.SelectBranch(q.UUID, q.RepoHash)
	if err != nil {
		s.replyError(env, err)
		return err
	}

	// the content frame may take a while to arrive in full
	s.conn.SetReadDeadline(time.Now().Add(transferWait))
	s.upload = &pendingUpload{query: env, req: q, branch: branch, started: time.Now()}
	return nil
}

// handleBinary completes the upload announced by the preceding
// upload_database query. A binary frame with no announced transfer is
// discarded.
func (s *Session) handleBinary(data []byte) {
	if s.upload == nil {
		s.logger.Warn("discarding binary frame with no announced transfer", zap.Int("bytes", len(data)))
		s.srv.metrics.RecordError("session", "unexpected_binary")
		return
	}
	up := s.upload
	s.upload = nil

	err := s.finishUpload(up, data)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.srv.metrics.RecordCommand(string(protocol.OpUploadDatabase), status)
	s.srv.metrics.RecordCommandDuration(string(protocol.OpUploadDatabase), time.Since(up.started).Seconds())
}

func (s *Session) finishUpload(up *pendingUpload, data []byte) error {
	if int64(len(data)) != up.req.Size {
		err := fmt.Errorf("%w: announced %d bytes, received %d", protocol.ErrProtocol, up.req.Size, len(data))
		s.replyError(up.query, err)
		return err
	}
	if sum := protocol.Checksum(data); sum != up.req.Checksum {
		err := fmt.Errorf("%w: content checksum mismatch", protocol.ErrProtocol)
		s.replyError(up.query, err)
		return err
	}

	if err := s.srv.files.Write(up.branch, data); err != nil {
		s.replyError(up.query, err)
		return err
	}

	s.srv.metrics.RecordTransfer("upload", int64(len(data)))
	s.logger.Info("database uploaded",
		zap.String("repo", up.req.RepoHash),
		zap.String("branch", up.req.UUID),
		zap.Int("bytes", len(data)),
	)
	return s.reply(up.query, protocol.UploadDatabaseReply{Size: int64(len(data))})
}

func (s *Session) handleDownloadDatabase(env *protocol.Envelope) error {
	var q protocol.DownloadDatabaseQuery
	if err := protocol.DecodePayload(env, &q); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		s.replyError(env, err)
		return err
	}
	if q.RepoHash == "" || q.UUID == "" {
		err := fmt.Errorf("%w: download requires repo_hash and uuid", protocol.ErrProtocol)
		s.replyError(env, err)
		return err
	}

	branch, err := s.srv.store.SelectBranch(q.UUID, q.RepoHash)
	if err != nil {
		s.replyError(env, err)
		return err
	}
	content, err := s.srv.files.Read(branch)
	if err != nil {
		s.replyError(env, err)
		return err
	}

	reply, err := protocol.NewReply(env, protocol.DownloadDatabaseReply{
		Size:     int64(len(content)),
		Checksum: protocol.Checksum(content),
	})
	if err != nil {
		s.replyError(env, err)
		return err
	}

	s.srv.metrics.RecordTransfer("download", int64(len(content)))
	s.logger.Info("database downloaded",
		zap.String("repo", q.RepoHash),
		zap.String("branch", q.UUID),
		zap.Int("bytes", len(content)),
	)
	return s.enqueueWait(outFrame{env: reply, binary: content})
}

// handleSubscribe registers the session before querying the replay
// snapshot, so every event is either in the snapshot or arrives as a
// (parked) live delivery; duplicates die on the tick cursor. Subscribe
// sends no reply.
func (s *Session) handleSubscribe(env *protocol.Envelope) error {
	var q protocol.SubscribeQuery
	if err := protocol.DecodePayload(env, &q); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		s.logger.Warn("dropping malformed subscribe", zap.Error(err))
		return err
	}
	if q.RepoHash == "" || q.UUID == "" {
		err := fmt.Errorf("%w: subscribe requires repo_hash and uuid", protocol.ErrProtocol)
		s.logger.Warn("dropping subscribe with missing keys")
		return err
	}

	sub := &subscription{
		repo:      q.RepoHash,
		branch:    q.UUID,
		cursor:    q.Tick,
		replaying: true,
		parked:    make(map[uint64]parkedEvent),
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.srv.registry.Register(s)

	events, err := s.srv.store.SelectEvents(q.RepoHash, q.UUID, q.Tick)
	if err != nil {
		s.logger.Error("replay query failed", zap.Error(err))
		s.srv.metrics.RecordError("session", "replay_failed")
		s.srv.registry.Unregister(s)
		s.mu.Lock()
		s.sub = nil
		s.mu.Unlock()
		return err
	}

	replayed := 0
	for i := range events {
		msg := &events[i]

		s.mu.Lock()
		if msg.Tick <= sub.cursor {
			s.mu.Unlock()
			continue
		}
		delete(sub.parked, msg.Tick)
		s.mu.Unlock()

		evEnv, err := protocol.NewEvent(msg)
		if err != nil {
			s.logger.Error("marshal replay event failed", zap.Uint64("tick", msg.Tick), zap.Error(err))
			s.mu.Lock()
			sub.cursor = msg.Tick
			s.mu.Unlock()
			continue
		}
		if err := s.enqueueWait(outFrame{env: evEnv}); err != nil {
			return err
		}
		s.mu.Lock()
		sub.cursor = msg.Tick
		s.mu.Unlock()
		s.srv.metrics.RecordEventDelivered()
		replayed++
	}

	s.mu.Lock()
	for tick := range sub.parked {
		// live duplicates of replayed events
		if tick <= sub.cursor {
			delete(sub.parked, tick)
		}
	}
	sub.replaying = false
	ok := s.drainParkedLocked(sub)
	s.mu.Unlock()
	if !ok {
		s.closeSlow()
		return errSessionClosed
	}

	s.logger.Info("subscribed",
		zap.String("repo", q.RepoHash),
		zap.String("branch", q.UUID),
		zap.Uint64("since", q.Tick),
		zap.Int("replayed", replayed),
	)
	return nil
}

func (s *Session) handleUnsubscribe(_ *protocol.Envelope) error {
	s.srv.registry.Unregister(s)

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		s.logger.Info("unsubscribed",
			zap.String("repo", sub.repo),
			zap.String("branch", sub.branch),
		)
	}
	return nil
}

// handleEvent appends the event to the subscribed branch and fans it out.
// Events carry no request ID, so failures are logged and counted, never
// replied to.
func (s *Session) handleEvent(env *protocol.Envelope) {
	var msg protocol.EventMessage
	if err := protocol.DecodePayload(env, &msg); err != nil {
		s.logger.Warn("dropping malformed event", zap.Error(err))
		s.srv.metrics.RecordError("session", "malformed_event")
		return
	}

	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		s.logger.Warn("dropping event from session with no subscription", zap.String("kind", msg.EventKind))
		s.srv.metrics.RecordEventDropped("unsubscribed")
		return
	}

	if !protocol.KnownEventKind(msg.EventKind) {
		s.logger.Debug("opaque event kind", zap.String("kind", msg.EventKind))
	}

	tick, err := s.srv.store.InsertEvent(sub.repo, sub.branch, msg.EventKind, msg.Data)
	if err != nil {
		s.logger.Error("event insert failed", zap.Error(err))
		s.srv.metrics.RecordEventDropped("storage")
		s.srv.metrics.RecordError("storage", "insert_event")
		return
	}
	msg.Tick = tick
	s.srv.metrics.RecordEventIngested()

	// The sender never hears its own event back, but its cursor must
	// still step over the tick it just authored.
	ok := true
	s.mu.Lock()
	if s.sub == sub {
		if tick == sub.cursor+1 {
			sub.cursor = tick
			ok = s.drainParkedLocked(sub)
		} else if tick > sub.cursor {
			sub.parked[tick] = parkedEvent{}
		}
	}
	s.mu.Unlock()
	if !ok {
		s.closeSlow()
	}

	s.srv.publish(s, sub.repo, sub.branch, &msg)
}

// deliverLive hands the session one committed event for its subscribed
// branch. Runs on the inserting session's goroutine; never blocks.
func (s *Session) deliverLive(repo, branch string, msg *protocol.EventMessage) {
	s.mu.Lock()
	sub := s.sub
	if sub == nil || sub.repo != repo || sub.branch != branch {
		s.mu.Unlock()
		s.srv.metrics.RecordEventDropped("unsubscribed")
		return
	}
	if msg.Tick <= sub.cursor {
		// already forwarded during replay
		s.mu.Unlock()
		return
	}
	if sub.replaying || msg.Tick != sub.cursor+1 {
		if len(sub.parked) >= s.srv.limits.parkedLimit {
			s.mu.Unlock()
			s.closeSlow()
			return
		}
		sub.parked[msg.Tick] = parkedEvent{msg: msg}
		s.mu.Unlock()
		return
	}

	ok := s.forwardLocked(sub, msg)
	if ok {
		ok = s.drainParkedLocked(sub)
	}
	s.mu.Unlock()
	if !ok {
		s.closeSlow()
	}
}

// forwardLocked enqueues one event and advances the cursor. Caller holds
// s.mu. Returns false when the client is not draining its queue.
func (s *Session) forwardLocked(sub *subscription, msg *protocol.EventMessage) bool {
	env, err := protocol.NewEvent(msg)
	if err != nil {
		s.logger.Error("marshal event failed", zap.Uint64("tick", msg.Tick), zap.Error(err))
		s.srv.metrics.RecordEventDropped("encode")
		sub.cursor = msg.Tick
		return true
	}
	if !s.tryEnqueue(outFrame{env: env}) {
		return false
	}
	sub.cursor = msg.Tick
	s.srv.metrics.RecordEventDelivered()
	return true
}

// drainParkedLocked forwards parked events while they sit contiguous
// with the cursor. Entries with a nil msg are the session's own inserts
// and advance the cursor silently. Caller holds s.mu.
func (s *Session) drainParkedLocked(sub *subscription) bool {
	for {
		next, ok := sub.parked[sub.cursor+1]
		if !ok {
			return true
		}
		delete(sub.parked, sub.cursor+1)
		if next.msg == nil {
			sub.cursor++
			continue
		}
		if !s.forwardLocked(sub, next.msg) {
			return false
		}
	}
}

func (s *Session) closeSlow() {
	select {
	case <-s.done:
		return
	default:
	}
	s.srv.metrics.RecordEventDropped("slow_client")
	s.logger.Warn("closing slow subscriber")
	s.shutdown()
}

func (s *Session) subscribedTo(repo, branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && s.sub.repo == repo && s.sub.branch == branch
}

func (s *Session) reply(query *protocol.Envelope, payload any) error {
	env, err := protocol.NewReply(query, payload)
	if err != nil {
		s.replyError(query, err)
		return err
	}
	return s.enqueueWait(outFrame{env: env})
}

func (s *Session) replyError(query *protocol.Envelope, err error) {
	s.logger.Debug("command failed",
		zap.String("op", string(query.Op)),
		zap.String("request_id", query.RequestID),
		zap.Error(err),
	)
	if qErr := s.enqueueWait(outFrame{env: protocol.NewErrorReply(query, err)}); qErr != nil {
		s.logger.Debug("error reply dropped, session closing")
	}
}

// enqueueWait blocks until the frame is queued. Only the session's own
// read goroutine may call it: both pumps close done on the way out, so
// the wait always ends.
func (s *Session) enqueueWait(f outFrame) error {
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// tryEnqueue queues without blocking. Fan-out from other sessions runs
// through here so a stalled client can never stall its peers.
func (s *Session) tryEnqueue(f outFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}
