package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_SplitsFrames(t *testing.T) {
	req := require.New(t)
	r := NewReader(strings.NewReader("alice\nhello\r\n\nlast"), 64)

	var lines []string
	for {
		line, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		req.NoError(err)
		lines = append(lines, line)
	}

	req.Equal([]string{"alice", "hello", "", "last"}, lines)
}

func TestReader_LineTooLong(t *testing.T) {
	req := require.New(t)
	r := NewReader(strings.NewReader("ok\n"+strings.Repeat("x", 100)+"\n"), 64)

	line, err := r.ReadLine()
	req.NoError(err)
	req.Equal("ok", line)

	_, err = r.ReadLine()
	req.ErrorIs(err, ErrLineTooLong)
}

func TestReader_ExactLimitWithCRLF(t *testing.T) {
	req := require.New(t)
	long := strings.Repeat("y", 64)
	r := NewReader(strings.NewReader(long+"\r\n"), 64)

	line, err := r.ReadLine()
	req.NoError(err)
	req.Equal(long, line)
}

func TestNotices(t *testing.T) {
	req := require.New(t)

	req.Equal("alice: hello\n", FormatChat("alice", "hello"))
	req.Equal("Server: alice has joined the chat.\n", JoinNotice("alice"))
	req.Equal("Server: alice has left the chat.\n", LeaveNotice("alice"))
	req.Equal("Server: username carol is already taken.\n", TakenNotice("carol"))
	req.Equal("Server: server is shutting down.\n", ShutdownNotice(""))
	req.Equal("Server: server is shutting down (maintenance).\n", ShutdownNotice("maintenance"))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantName string
		wantArgs []string
	}{
		{name: "bare", line: "stats\n", wantName: "stats"},
		{name: "upper case", line: "STATS\r\n", wantName: "stats"},
		{name: "one arg", line: "recent|10", wantName: "recent", wantArgs: []string{"10"}},
		{name: "escaped pipe", line: `shutdown|a\|b`, wantName: "shutdown", wantArgs: []string{"a|b"}},
		{name: "empty arg", line: "shutdown|", wantName: "shutdown", wantArgs: []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			cmd, err := ParseCommand(tt.line)
			req.NoError(err)
			req.Equal(tt.wantName, cmd.Name)
			req.Equal(tt.wantArgs, cmd.Args)
		})
	}
}

func TestParseCommand_Invalid(t *testing.T) {
	for _, line := range []string{"", "\n", "   ", "|x"} {
		_, err := ParseCommand(line)
		require.ErrorIs(t, err, ErrInvalidPacket, "line %q", line)
	}
}

func TestParseCommand_EscapedArguments(t *testing.T) {
	req := require.New(t)
	line := formatCommand("shutdown", `a|b\c`, "two\nlines")
	req.Equal("shutdown|a\\|b\\\\c|two\\nlines\n", line)

	cmd, err := ParseCommand(line)
	req.NoError(err)
	req.Equal("shutdown", cmd.Name)
	req.Equal(`a|b\c`, cmd.Arg(0))
	req.Equal("two\nlines", cmd.Arg(1))
	req.Equal("", cmd.Arg(2))
}

// formatCommand is the client side of ParseCommand.
func formatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, Escape(name))
	for _, a := range args {
		parts = append(parts, Escape(a))
	}
	return strings.Join(parts, "|") + "\n"
}
