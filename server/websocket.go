package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WSListener is a net.Listener fed by WebSocket upgrades. Each accepted
// WebSocket is exposed as a byte stream, so sessions read the same
// newline-delimited frames as over TCP.
type WSListener struct {
	ln    net.Listener
	srv   *http.Server
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
	log   *slog.Logger
}

// ListenWebSocket starts an HTTP server on addr that upgrades every request.
func ListenWebSocket(addr string, log *slog.Logger) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WSListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
		log:   log,
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("WebSocket listener stopped", "error", err)
		}
	}()
	return l, nil
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		l.log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// The conn outlives this handler; its lifetime is owned by the session.
	conn := websocket.NetConn(context.Background(), c, websocket.MessageText)

	select {
	case l.conns <- conn:
	case <-l.done:
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *WSListener) Addr() net.Addr {
	return l.ln.Addr()
}
