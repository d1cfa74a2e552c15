package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"chatd/models"
	"chatd/moderation"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		HandshakeTimeout:  2 * time.Second,
		WriteTimeout:      2 * time.Second,
		StoreTimeout:      time.Second,
		SendBuffer:        16,
		MaxLineLength:     256,
		MaxUsernameLength: 32,
	}
}

// memoryStore records appended messages.
type memoryStore struct {
	mu       sync.Mutex
	messages []models.ChatMessage
}

func (m *memoryStore) Append(_ context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memoryStore) all() []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatMessage(nil), m.messages...)
}

type testServer struct {
	srv    *Server
	addr   string
	served chan error
	once   sync.Once
	err    error
}

func (ts *testServer) serveErr() error {
	ts.once.Do(func() {
		select {
		case ts.err = <-ts.served:
		case <-time.After(ioTimeout):
			ts.err = context.DeadlineExceeded
		}
	})
	return ts.err
}

// startServer serves on a loopback port and shuts down at cleanup.
func startServer(t *testing.T, store MessageStore, config *ServerConfig, moderator *moderation.Moderator) *testServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serve(t, listener, store, config, moderator)
}

func serve(t *testing.T, listener net.Listener, store MessageStore, config *ServerConfig, moderator *moderation.Moderator) *testServer {
	t.Helper()
	ts := &testServer{
		srv:    New(store, config, moderator, testLogger()),
		addr:   listener.Addr().String(),
		served: make(chan error, 1),
	}
	go func() { ts.served <- ts.srv.Serve(listener) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		_ = ts.srv.Shutdown(ctx, "test over")
		_ = ts.serveErr()
	})
	return ts
}

// pipeListener hands out in-memory connections. Writes to a pipe block until
// the peer reads, so a client that stops reading stalls the server at once.
type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

func (l *pipeListener) dial(t *testing.T) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	select {
	case l.conns <- serverConn:
	case <-time.After(ioTimeout):
		t.Fatal("pipe listener is not accepting")
	}
	t.Cleanup(func() { clientConn.Close() })
	return &testClient{conn: clientConn, reader: bufio.NewReader(clientConn)}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

// join dials, sends the username and waits for the client's own join notice.
func join(t *testing.T, addr, username string) *testClient {
	t.Helper()
	return login(t, dial(t, addr), username)
}

func login(t *testing.T, c *testClient, username string) *testClient {
	t.Helper()
	c.send(t, username)
	c.expect(t, "Server: "+username+" has joined the chat.")
	return c
}

// collect reads lines in the background until the connection fails.
func (c *testClient) collect() <-chan string {
	lines := make(chan string, 1024)
	go func() {
		defer close(lines)
		for {
			line, err := c.readLine(ioTimeout)
			if err != nil {
				return
			}
			lines <- line
		}
	}()
	return lines
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (c *testClient) expect(t *testing.T, want string) {
	t.Helper()
	line, err := c.readLine(ioTimeout)
	require.NoError(t, err, "waiting for %q", want)
	require.Equal(t, want, line)
}

// expectClosed drains until the server closes the connection.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	for {
		_, err := c.readLine(ioTimeout)
		if err == nil {
			continue
		}
		require.False(t, isTimeout(err), "connection still open: %v", err)
		return
	}
}

// newTestSession builds a session that is not running, over one end of a pipe.
func newTestSession(t *testing.T, registry *Registry, sendBuffer int) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	config := testConfig()
	config.SendBuffer = sendBuffer
	return newSession(serverConn, registry, nil, nil, config, testLogger()), clientConn
}

// queued takes what has been enqueued for s so far.
func queued(s *Session) []string {
	lines, _ := s.takePending()
	return lines
}

func (r *Registry) lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[username]
	return session, ok
}
