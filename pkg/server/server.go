// Package server exposes a running substrate over HTTP: one process holds a
// store, a metastore and an engine, and fans out client requests across any
// number of concurrently open sessions (§5 "a session is not safe for
// concurrent use, but a store root may be opened by many sessions at
// once"). Grounded on the teacher's pkg/node server/handlers split: a thin
// Server owning an *http.Server and a ServeMux built in New, with
// handler bodies in handlers.go.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/metastore"
	"github.com/crumblevm/crumble/pkg/session"
	"github.com/crumblevm/crumble/pkg/store"
)

// Server holds the process-wide substrate handles and every session opened
// against them so far, keyed by the uuid Session.New assigns.
type Server struct {
	cfg   config.Config
	store *store.Store
	meta  metastore.Store
	eng   abi.Engine
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session

	httpServer *http.Server
}

// New builds a Server with no sessions open yet.
func New(cfg config.Config, st *store.Store, meta metastore.Store, eng abi.Engine, log *zap.Logger, addr string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg.WithDefaults(),
		store:    st,
		meta:     meta,
		eng:      eng,
		log:      log,
		sessions: make(map[uuid.UUID]*session.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleOpenSession)
	mux.HandleFunc("/sessions/close", s.handleCloseSession)
	mux.HandleFunc("/sessions/deploy", s.handleDeploy)
	mux.HandleFunc("/sessions/call", s.handleCall)
	mux.HandleFunc("/sessions/feeder_call", s.handleFeederCall)
	mux.HandleFunc("/sessions/migrate", s.handleMigrate)
	mux.HandleFunc("/sessions/root", s.handleRoot)
	mux.HandleFunc("/sessions/commit", s.handleCommit)
	mux.HandleFunc("/sessions/memory_pages", s.handleMemoryPages)
	mux.HandleFunc("/sessions/meta", s.handleMeta)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start runs the HTTP server in the background, matching the teacher's
// fire-and-forget goroutine plus logged ListenAndServe error.
func (s *Server) Start() error {
	go func() {
		s.log.Sugar().Infow("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop closes the HTTP server and every session still open.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			s.log.Sugar().Warnw("closing session during shutdown", "session", id, "error", err)
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getSession(id uuid.UUID) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("server: no open session %s", id)
	}
	return sess, nil
}
