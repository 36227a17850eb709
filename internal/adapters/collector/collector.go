// Package collector is a reference collection service for relayed results.
//
// It speaks the wire protocol: version negotiation on connect, then one ack
// or nack per result frame. Redelivered results (same encounter id and
// start/end timestamps) are acknowledged without reaching the handler again.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/dedupe"
	"github.com/okian/healstats/pkg/logger"
	"github.com/okian/healstats/pkg/metrics"
)

const defaultDedupeSize = 10000

// Handler consumes delivered results.
type Handler interface {
	HandleResult(ctx context.Context, msg *wire.ResultMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *wire.ResultMessage) error

// HandleResult calls f.
func (f HandlerFunc) HandleResult(ctx context.Context, msg *wire.ResultMessage) error {
	return f(ctx, msg)
}

// Server accepts relay connections.
type Server struct {
	handler    Handler
	minVersion int
	maxVersion int
	dedupeSize int
	seen       dedupe.Deduper[string]
	logger     logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	inflight map[string]chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a server with configuration options.
func New(opts ...Option) *Server {
	s := &Server{
		handler:    NewRecorder(),
		minVersion: wire.MinVersion,
		maxVersion: wire.CurrentVersion,
		dedupeSize: defaultDedupeSize,
		conns:      make(map[net.Conn]struct{}),
		inflight:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("collector")
	}
	s.seen = dedupe.NewInMemoryDeduper[string](dedupe.WithMaxSize(s.dedupeSize))
	return s
}

// Listen binds addr. Use Addr to learn the port when addr ends in ":0".
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close. It always returns a non-nil error.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("collector: Serve before Listen")
	}
	s.logger.Info(ctx, "collector listening", logger.Op("serve"), logger.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	err := s.Serve(ctx)
	if errors.Is(err, ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close stops accepting, closes active connections and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.logger.With(logger.String("remote", conn.RemoteAddr().String()))

	version, err := s.handshake(conn)
	if err != nil {
		log.Warn(ctx, "handshake failed", logger.Op("handshake"), logger.Error(err))
		return
	}
	log.Debug(ctx, "session established", logger.Op("handshake"), logger.Int("version", version))

	for {
		env, err := wire.Read(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				log.Warn(ctx, "read failed", logger.Op("receive"), logger.Error(err))
			}
			return
		}
		reply := s.handle(ctx, env)
		if err := wire.Write(conn, reply); err != nil {
			log.Warn(ctx, "write failed", logger.Op("receive"), logger.Error(err))
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn) (int, error) {
	env, err := wire.Read(conn)
	if err != nil {
		return 0, err
	}
	if env.Type != wire.TypeHello {
		_ = wire.Write(conn, &wire.Envelope{Type: wire.TypeHelloReject, Error: "expected hello"})
		return 0, fmt.Errorf("%w: %q", wire.ErrUnexpectedMessage, env.Type)
	}
	v, ok := wire.Negotiate(env.Versions, s.minVersion, s.maxVersion)
	if !ok {
		msg := fmt.Sprintf("supported versions %d-%d, offered %v", s.minVersion, s.maxVersion, env.Versions)
		_ = wire.Write(conn, &wire.Envelope{Type: wire.TypeHelloReject, Error: msg})
		return 0, errors.New(msg)
	}
	return v, wire.Write(conn, &wire.Envelope{Type: wire.TypeHelloAck, Version: v})
}

// handle answers one post-handshake envelope.
func (s *Server) handle(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	msg, err := wire.DecodeResult(env)
	if err != nil {
		metrics.RecordErrorByComponent("collector", "decode")
		return &wire.Envelope{Type: wire.TypeNack, ID: env.ID, Error: err.Error()}
	}

	key := msg.Key()
	release, ok := s.acquire(ctx, key)
	if !ok {
		return &wire.Envelope{Type: wire.TypeNack, ID: env.ID, Error: ctx.Err().Error(), Retry: true}
	}
	defer release()

	if s.seen.Seen(ctx, key) {
		metrics.RecordCollectorDuplicate()
		s.logger.Debug(ctx, "duplicate result acknowledged", logger.Op("receive"), logger.String("key", key))
		return &wire.Envelope{Type: wire.TypeAck, ID: env.ID}
	}
	if err := s.handler.HandleResult(ctx, msg); err != nil {
		retry := errors.Is(err, ErrTemporary)
		s.logger.Warn(ctx, "handler failed", logger.Op("receive"),
			logger.String("key", key),
			logger.Bool("retry", retry),
			logger.Error(err),
		)
		return &wire.Envelope{Type: wire.TypeNack, ID: env.ID, Error: err.Error(), Retry: retry}
	}
	s.seen.SeenAndRecord(ctx, key)
	metrics.RecordCollectorReceived()
	s.logger.Debug(ctx, "result acknowledged", logger.Op("receive"),
		logger.String("key", key),
		logger.Int("rows", len(msg.Rows)),
	)
	return &wire.Envelope{Type: wire.TypeAck, ID: env.ID}
}

// acquire serializes handling of one result key across connections. A key is
// recorded as seen only after its handler succeeds, so a concurrent
// redelivery waits for the outcome instead of being acknowledged early.
func (s *Server) acquire(ctx context.Context, key string) (func(), bool) {
	for {
		s.mu.Lock()
		busy, ok := s.inflight[key]
		if !ok {
			ch := make(chan struct{})
			s.inflight[key] = ch
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.inflight, key)
				s.mu.Unlock()
				close(ch)
			}, true
		}
		s.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
