package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/config"
	"github.com/binshare/binshare/internal/protocol"
	"github.com/binshare/binshare/internal/storage"
)

// limits are the per-session tunables, derived from configuration once
// at construction.
type limits struct {
	writeWait   time.Duration
	pingPeriod  time.Duration
	pongWait    time.Duration
	readLimit   int64
	maxDatabase int64
	queueSize   int
	parkedLimit int
}

// Server accepts WebSocket sessions on the listen address and, when
// configured, serves the ops endpoints on a second one.
type Server struct {
	cfg      *config.ServerConfig
	logger   *zap.Logger
	store    *storage.Store
	files    *storage.FileStore
	registry *Registry
	metrics  *Metrics
	limits   limits
	upgrader websocket.Upgrader

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	addr    string

	wsShutdown  func(ctx context.Context) error
	opsShutdown func(ctx context.Context) error
}

func New(cfg *config.ServerConfig, store *storage.Store, files *storage.FileStore, logger *zap.Logger) *Server {
	pingPeriod := time.Duration(cfg.Server.PingIntervalSec) * time.Second
	maxDB := int64(cfg.Server.MaxDatabaseMB) << 20

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		files:    files,
		registry: NewRegistry(logger),
		metrics:  InitMetrics(),
		limits: limits{
			writeWait:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
			pingPeriod:  pingPeriod,
			pongWait:    pingPeriod * 10 / 9,
			readLimit:   maxDB + envelopeSlack,
			maxDatabase: maxDB,
			queueSize:   cfg.Server.SendQueueSize,
			parkedLimit: cfg.Server.ParkedEventLimit,
		},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Start binds the listen address and serves in the background. It
// returns an error if the bind fails, without crashing the process.
func (srv *Server) Start() error {
	srv.mu.Lock()
	if srv.running {
		srv.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	srv.mu.Unlock()

	listener, err := net.Listen("tcp", srv.cfg.Server.ListenAddr)
	if err != nil {
		srv.logger.Error("failed to bind listen address", zap.Error(err))
		return fmt.Errorf("failed to bind %s: %w", srv.cfg.Server.ListenAddr, err)
	}

	wsSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	srv.mu.Lock()
	srv.running = true
	srv.addr = listener.Addr().String()
	srv.wsShutdown = wsSrv.Shutdown
	srv.mu.Unlock()

	srv.logger.Info("server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int64("max_database_bytes", srv.limits.maxDatabase),
	)

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		if err := wsSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			srv.logger.Error("websocket server error", zap.Error(err))
		}
	}()

	if srv.cfg.Server.OpsAddr != "" {
		ops := NewOpsAPI(srv.store, srv.registry, srv.logger)
		opsSrv := &http.Server{
			Addr:         srv.cfg.Server.OpsAddr,
			Handler:      ops.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		srv.mu.Lock()
		srv.opsShutdown = opsSrv.Shutdown
		srv.mu.Unlock()

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.logger.Info("ops server starting", zap.String("addr", srv.cfg.Server.OpsAddr))
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				srv.logger.Error("ops server error", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop shuts down the listeners, closes every live session and waits
// for the serve goroutines to finish.
func (srv *Server) Stop() error {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	wsShutdown := srv.wsShutdown
	opsShutdown := srv.opsShutdown
	srv.mu.Unlock()

	srv.logger.Info("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if wsShutdown != nil {
		if err := wsShutdown(shutdownCtx); err != nil {
			srv.logger.Error("websocket listener shutdown error", zap.Error(err))
		}
	}
	if opsShutdown != nil {
		if err := opsShutdown(shutdownCtx); err != nil {
			srv.logger.Error("ops listener shutdown error", zap.Error(err))
		}
	}

	// Shutdown does not touch hijacked connections; close them here.
	srv.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.logger.Info("server shutdown complete")
	case <-time.After(10 * time.Second):
		srv.logger.Warn("server shutdown timeout exceeded")
	}

	srv.mu.Lock()
	srv.running = false
	srv.mu.Unlock()

	return nil
}

// IsRunning returns whether the server is currently running.
func (srv *Server) IsRunning() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (srv *Server) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.addr
}

// Registry exposes session membership for the ops endpoints and tests.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Handler returns the WebSocket mux. Integration tests mount it on an
// httptest server instead of calling Start.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.ServeWS)
	return mux
}

// ServeWS upgrades one HTTP request into a session.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", zap.Error(err))
		srv.metrics.RecordConnection("rejected")
		return
	}

	session := newSession(srv, conn, uuid.New().String())
	srv.registry.Attach(session)
	srv.metrics.RecordConnection("accepted")

	go session.writePump()
	go session.readPump()
}

// publish fans a committed event out to every other subscriber of the
// branch. The snapshot is taken first; no registry lock is held while
// delivering.
func (srv *Server) publish(from *Session, repo, branch string, msg *protocol.EventMessage) {
	targets := srv.registry.Find(func(o *Session) bool {
		return o != from && o.subscribedTo(repo, branch)
	})
	for _, o := range targets {
		o.deliverLive(repo, branch, msg)
	}
}

func (srv *Server) checkOrigin(r *http.Request) bool {
	if len(srv.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range srv.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
