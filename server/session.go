package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"chatd/models"
	"chatd/moderation"
	"chatd/protocol"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrInvalidUsername = errors.New("invalid username")
	errShuttingDown    = errors.New("session is shutting down")
)

// usernameError carries the reason a username was refused, for the client.
type usernameError struct {
	reason string
}

func (e *usernameError) Error() string { return ErrInvalidUsername.Error() + ": " + e.reason }
func (e *usernameError) Unwrap() error { return ErrInvalidUsername }

var validate = validator.New()

// Session is the server side of one connection. Its read loop runs on the
// goroutine calling Run; a second goroutine owns every write to conn.
type Session struct {
	ID string

	conn      net.Conn
	reader    *protocol.Reader
	registry  *Registry
	store     MessageStore
	moderator *moderation.Moderator
	config    *ServerConfig
	log       *slog.Logger

	username   string
	registered bool

	// sendMu guards pending, closed and drained.
	sendMu  sync.Mutex
	pending []string
	closed  bool
	drained chan struct{} // closed and replaced whenever the writer takes pending
	wake    chan struct{}

	// deadlineMu orders read deadline updates against interrupt.
	deadlineMu sync.Mutex
	stopping   bool

	writerDone chan struct{}
	teardown   sync.Once
}

func newSession(conn net.Conn, registry *Registry, store MessageStore, moderator *moderation.Moderator, config *ServerConfig, log *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		conn:       conn,
		reader:     protocol.NewReader(conn, config.MaxLineLength),
		registry:   registry,
		store:      store,
		moderator:  moderator,
		config:     config,
		log:        log.With("conn_id", id, "remote", remoteAddr(conn)),
		drained:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
}

// Username is empty until the handshake succeeded.
func (s *Session) Username() string {
	return s.username
}

// Run drives the whole lifecycle: handshake, registration, read loop and
// teardown. Teardown runs on every exit path.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop(s.log)
	defer s.close()

	s.log.Debug("Client connected")

	username, err := s.Handshake()
	if err != nil {
		s.log.Debug("Handshake failed", "error", err)
		var invalid *usernameError
		if errors.As(err, &invalid) {
			s.Send(protocol.InvalidUsernameNotice(invalid.reason))
		}
		return
	}
	s.username = username
	s.log = s.log.With("user", username)

	if err := s.registry.Register(username, s); err != nil {
		s.log.Warn("Rejected connection", "error", err)
		s.Send(protocol.TakenNotice(username))
		return
	}
	s.registered = true
	s.log.Info(username + " has connected.")

	err = s.ReadLoop(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		s.log.Debug("Client closed the connection")
	case errors.Is(err, errShuttingDown), errors.Is(err, context.Canceled):
		s.log.Debug("Session stopped by server")
	case errors.Is(err, protocol.ErrLineTooLong):
		s.log.Warn("Line too long, disconnecting", "max", s.config.MaxLineLength)
	case isTimeout(err):
		s.log.Info("Client idle, disconnecting", "timeout", s.config.IdleTimeout)
	case isClosedConnError(err):
		s.log.Debug("Connection closed", "error", err)
	default:
		s.log.Warn("Read failed", "error", err)
	}
}

// Handshake reads the first frame and returns it as the username.
func (s *Session) Handshake() (string, error) {
	if err := s.armReadDeadline(s.config.HandshakeTimeout); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	line, err := s.reader.ReadLine()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	username := strings.TrimSpace(line)
	if err := validateUsername(username, s.config.MaxUsernameLength); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return username, nil
}

// ReadLoop broadcasts then persists every non-blank line until the peer goes
// away, the idle timeout fires, or the server interrupts the session.
func (s *Session) ReadLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.armReadDeadline(s.config.IdleTimeout); err != nil {
			return err
		}
		line, err := s.reader.ReadLine()
		if err != nil {
			if s.isStopping() {
				return errShuttingDown
			}
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		text := s.moderator.Censor(strings.ToValidUTF8(line, string(utf8.RuneError)))
		msg := models.NewChatMessage(s.username, text, time.Now())

		s.registry.Broadcast(s.username, text)
		s.persist(ctx, msg)
	}
}

func (s *Session) persist(ctx context.Context, msg models.ChatMessage) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.store.Append(ctx, msg); err != nil {
		s.log.Warn("Failed to persist message", "error", err)
	}
}

// Send queues one outbound line without blocking. It reports false once the
// session no longer accepts output.
func (s *Session) Send(line string) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return false
	}
	s.pending = append(s.pending, line)
	s.signal()
	return true
}

// backlogged reports whether the writer is SendBuffer or more lines behind.
func (s *Session) backlogged() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return !s.closed && len(s.pending) >= s.config.SendBuffer
}

// waitForRoom blocks until the backlog is below SendBuffer, the session
// stops accepting output, or deadline passes. Only the last case reports
// false: the peer has not drained anything for the whole wait.
func (s *Session) waitForRoom(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		s.sendMu.Lock()
		if s.closed || len(s.pending) < s.config.SendBuffer {
			s.sendMu.Unlock()
			return true
		}
		drained := s.drained
		s.sendMu.Unlock()

		select {
		case <-drained:
		case <-timer.C:
			return false
		}
	}
}

// signal must be called with sendMu held.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takePending hands everything queued so far to the writer.
func (s *Session) takePending() ([]string, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	batch := s.pending
	s.pending = nil
	if len(batch) > 0 {
		close(s.drained)
		s.drained = make(chan struct{})
	}
	return batch, !s.closed
}

// Close aborts the connection. The blocked read returns and Run tears the
// session down.
func (s *Session) Close() error {
	return s.conn.Close()
}

// interrupt unblocks the read loop without dropping queued output.
func (s *Session) interrupt() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	s.stopping = true
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *Session) isStopping() bool {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	return s.stopping
}

func (s *Session) armReadDeadline(timeout time.Duration) error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if s.stopping {
		return errShuttingDown
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return s.conn.SetReadDeadline(deadline)
}

// closeQueue stops accepting output. Lines already queued are still
// written before the writer releases conn.
func (s *Session) closeQueue() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.closed {
		s.closed = true
		s.signal()
	}
}

// abandonQueue discards unwritten output once conn is unusable and releases
// anyone waiting for room.
func (s *Session) abandonQueue() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.closed = true
	s.pending = nil
	close(s.drained)
	s.drained = make(chan struct{})
}

// close unregisters first, then lets the writer flush and release conn.
func (s *Session) close() {
	s.teardown.Do(func() {
		if s.registered && s.registry.remove(s.username, s) {
			s.log.Info(s.username + " has disconnected.")
		}
		s.closeQueue()
		<-s.writerDone
	})
}

func (s *Session) writeLoop(log *slog.Logger) {
	defer close(s.writerDone)
	defer s.conn.Close()
	defer s.abandonQueue()

	for {
		batch, open := s.takePending()
		if len(batch) == 0 {
			if !open {
				return
			}
			<-s.wake
			continue
		}
		for _, line := range batch {
			if s.config.WriteTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			if _, err := io.WriteString(s.conn, line); err != nil {
				if !isClosedConnError(err) {
					log.Info("Write failed, closing connection", "error", err)
				}
				return
			}
		}
	}
}

func validateUsername(username string, maxLen int) error {
	if err := validate.Var(username, "required"); err != nil {
		return &usernameError{reason: "empty"}
	}
	if err := validate.Var(username, fmt.Sprintf("max=%d", maxLen)); err != nil {
		return &usernameError{reason: fmt.Sprintf("longer than %d characters", maxLen)}
	}
	if !utf8.ValidString(username) || strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return &usernameError{reason: "invalid characters"}
	}
	if strings.EqualFold(username, protocol.SystemSender) {
		return &usernameError{reason: "reserved"}
	}
	return nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
