package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestWebSocket_ClientsShareTheChatWithTCP(t *testing.T) {
	req := require.New(t)
	ts := startServer(t, &memoryStore{}, testConfig(), nil)

	wsl, err := ListenWebSocket("127.0.0.1:0", testLogger())
	req.NoError(err)
	go func() { _ = ts.srv.Serve(wsl) }()

	alice := join(t, ts.addr, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	// Given bob joins over a WebSocket
	c, _, err := websocket.Dial(ctx, "ws://"+wsl.Addr().String(), nil)
	req.NoError(err)
	defer c.Close(websocket.StatusNormalClosure, "")

	read := func() string {
		typ, data, err := c.Read(ctx)
		req.NoError(err)
		req.Equal(websocket.MessageText, typ)
		return string(data)
	}

	req.NoError(c.Write(ctx, websocket.MessageText, []byte("bob\n")))
	req.Equal("Server: bob has joined the chat.\n", read())
	alice.expect(t, "Server: bob has joined the chat.")

	// When each side talks
	alice.send(t, "hi bob")
	req.Equal("alice: hi bob\n", read())

	req.NoError(c.Write(ctx, websocket.MessageText, []byte("hello alice\n")))
	alice.expect(t, "alice: hi bob")
	alice.expect(t, "bob: hello alice")

	// Then a clean WebSocket close is a normal leave
	req.Equal("bob: hello alice\n", read())
	req.NoError(c.Close(websocket.StatusNormalClosure, "bye"))
	alice.expect(t, "Server: bob has left the chat.")
}

func TestWebSocket_AcceptAfterClose(t *testing.T) {
	req := require.New(t)
	wsl, err := ListenWebSocket("127.0.0.1:0", testLogger())
	req.NoError(err)

	req.NoError(wsl.Close())
	req.NoError(wsl.Close())

	_, err = wsl.Accept()
	req.ErrorIs(err, net.ErrClosed)
}
