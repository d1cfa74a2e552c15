package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatd/moderation"
	"chatd/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("chat server closed")

type ServerConfig struct {
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration // 0 disables
	WriteTimeout      time.Duration
	StoreTimeout      time.Duration
	SendBuffer        int
	MaxLineLength     int
	MaxUsernameLength int
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	config    *ServerConfig
	registry  *Registry
	store     MessageStore
	moderator *moderation.Moderator
	log       *slog.Logger
	startedAt time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	wg        sync.WaitGroup
	shutting  atomic.Bool
	accepted  atomic.Int64
}

func New(store MessageStore, config *ServerConfig, moderator *moderation.Moderator, log *slog.Logger) *Server {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = protocol.DefaultMaxLineLength
	}
	if config.MaxUsernameLength <= 0 {
		config.MaxUsernameLength = config.MaxLineLength
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		registry:   NewRegistry(log),
		store:      store,
		moderator:  moderator,
		log:        log,
		startedAt:  time.Now(),
		baseCtx:    ctx,
		cancelBase: cancel,
		listeners:  make(map[net.Listener]struct{}),
		sessions:   make(map[*Session]struct{}),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve accepts connections on listener until Shutdown, handing each one to
// its own goroutine. It always returns a non-nil error; after Shutdown that
// error is ErrServerClosed.
func (s *Server) Serve(listener net.Listener) error {
	if !s.trackListener(listener, true) {
		listener.Close()
		return ErrServerClosed
	}
	defer s.trackListener(listener, false)

	s.log.Info("Chat server started", "addr", listener.Addr().String())

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutting.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, time.Second)
			}
			s.log.Error("Error accepting connection", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	session := newSession(conn, s.registry, s.store, s.moderator, s.config, s.log)
	if !s.trackSession(session, true) {
		conn.Close()
		return
	}
	s.accepted.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.trackSession(session, false)
		session.Run(s.baseCtx)
	}()
}

// Shutdown stops accepting, tells connected clients why, interrupts every
// session and waits for them to finish teardown. When ctx expires first the
// remaining connections are closed hard and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.shutting.Store(true)

	s.mu.Lock()
	for listener := range s.listeners {
		listener.Close()
	}
	s.mu.Unlock()

	s.log.Info("Shutting down", "reason", reason, "stats", s.Stats().String())
	s.registry.Notify(protocol.ShutdownNotice(reason))

	for _, session := range s.activeSessions() {
		session.interrupt()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("Shutdown timeout reached, closing remaining connections")
		s.cancelBase()
		for _, session := range s.activeSessions() {
			session.Close()
		}
		<-done
	}
	s.cancelBase()
	s.log.Info("Shutdown complete")
	return err
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Connections int
	Users       []string
	Accepted    int64
	StartedAt   time.Time
}

func (st Stats) Uptime() time.Duration {
	return time.Since(st.StartedAt).Truncate(time.Second)
}

func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) + ",users=" + strings.Join(st.Users, ";")
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: len(s.activeSessions()),
		Users:       s.registry.Usernames(),
		Accepted:    s.accepted.Load(),
		StartedAt:   s.startedAt,
	}
}

func (s *Server) trackListener(listener net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutting.Load() {
			return false
		}
		s.listeners[listener] = struct{}{}
	} else {
		delete(s.listeners, listener)
	}
	return true
}

// trackSession also accounts for the session goroutine in wg.
func (s *Server) trackSession(session *Session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutting.Load() {
			return false
		}
		s.sessions[session] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.sessions, session)
	}
	return true
}

func (s *Server) activeSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
