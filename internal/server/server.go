// Package server implements L4 (request dispatcher) and L5 (listener) of
// the chat core: accepting TCP connections, spawning a worker per
// connection, and routing requests to the handlers in handlers.go.
//
// Concurrency overview
// --------------------
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Accept loop goroutine                                   │
//	│  Accepts TCP connections; spawns one goroutine per conn   │
//	│  running Dispatcher.Serve.                                │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Dispatcher.Serve (per connection)                        │
//	│  readLoop goroutine (this one) + writeLoop goroutine      │
//	│  (conn.writeLoop), decoupled so a slow writer never        │
//	│  blocks the reader.                                        │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │ registry.Lookup / registry.Broadcast
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Registry (single mutex; L3)                              │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Store (its own synchronization; L1)                      │
//	└─────────────────────────────────────────────────────────┘
//
// Directly adapted from the teacher's Server/Hub split
// (chat-go/internal/server/server.go, hub.go): the Hub's channel-based
// client set is replaced by the registry.Registry (routing now needs
// point-to-point delivery by username, not just broadcast), and the async
// persistence worker pool is dropped (see DESIGN.md) because callers need
// StoreMessage to return its assigned id synchronously.
package server

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"chatcore/internal/config"
	"chatcore/internal/protocol"
	"chatcore/internal/registry"
	"chatcore/internal/store"
)

// Server ties together the Dispatcher, the durable Store, and the TCP
// listener.
type Server struct {
	cfg        config.Config
	store      store.Store
	reg        *registry.Registry
	dispatcher *Dispatcher
	log        *logrus.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// New opens the durable store at cfg.DBPath and builds a Server ready to
// ListenAndServe. log may be nil, in which case a default logrus.Logger is
// used.
func New(cfg config.Config, log *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}

	st, err := store.OpenSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	dispatcher := NewDispatcher(st, reg, log.WithField("component", "dispatcher"), cfg.Protocol)

	return &Server{
		cfg:        cfg,
		store:      st,
		reg:        reg,
		dispatcher: dispatcher,
		log:        log,
		quit:       make(chan struct{}),
	}, nil
}

// ListenAndServe binds cfg.Addr() and accepts connections until Shutdown is
// called or Accept returns a non-shutdown error.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.WithFields(logrus.Fields{
		"addr":     s.cfg.Addr(),
		"protocol": string(s.cfg.Protocol),
	}).Info("chat server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatcher.Serve(conn)
		}()
	}
}

// Shutdown stops accepting new connections, waits for every accepted
// connection to end, and closes the store. It does not close connections
// that are still open: the wait lasts until each one ends on its own
// (client disconnect, read error, or read timeout).
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close() // already shutting down; nothing to report the error to
		}
	})
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("error closing store")
	}
}

// DefaultCodec reports the protocol.Name a freshly-constructed Server with
// no explicit --protocol flag would use. Exposed for tests.
func DefaultCodec() protocol.Name { return protocol.NameJSON }
