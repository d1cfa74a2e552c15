// Package protocol defines the chat wire format and the control socket
// command syntax.
//
// Chat traffic is newline-delimited UTF-8: every frame ends with '\n', an
// optional '\r' before it is dropped. The first frame of a connection is the
// username, every following frame is one chat message.
package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	// SystemSender authors join, leave and shutdown notices.
	SystemSender = "Server"

	DefaultMaxLineLength = 4096
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrLineTooLong   = errors.New("line exceeds maximum length")
)

// Reader splits a byte stream into frames.
type Reader struct {
	scanner *bufio.Scanner
	maxLen  int
}

func NewReader(r io.Reader, maxLen int) *Reader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	scanner := bufio.NewScanner(r)
	// +2 leaves room for the "\r\n" terminator.
	scanner.Buffer(make([]byte, 0, min(maxLen+2, 4096)), maxLen+2)
	scanner.Split(bufio.ScanLines)
	return &Reader{scanner: scanner, maxLen: maxLen}
}

// ReadLine returns the next frame without its terminator. A clean end of
// stream is reported as io.EOF.
func (r *Reader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		line := r.scanner.Text()
		if len(line) > r.maxLen {
			return "", ErrLineTooLong
		}
		return line, nil
	}
	err := r.scanner.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", ErrLineTooLong
	default:
		return "", err
	}
}

// FormatChat renders "<username>: <text>\n".
func FormatChat(username, text string) string {
	return username + ": " + text + "\n"
}

func FormatNotice(text string) string {
	return FormatChat(SystemSender, text)
}

func JoinNotice(username string) string {
	return FormatNotice(username + " has joined the chat.")
}

func LeaveNotice(username string) string {
	return FormatNotice(username + " has left the chat.")
}

func TakenNotice(username string) string {
	return FormatNotice("username " + username + " is already taken.")
}

func InvalidUsernameNotice(reason string) string {
	return FormatNotice("invalid username (" + reason + ").")
}

func ShutdownNotice(reason string) string {
	if reason == "" {
		return FormatNotice("server is shutting down.")
	}
	return FormatNotice("server is shutting down (" + reason + ").")
}

// Command is one control socket request: name|arg1|arg2...
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument or "" when absent.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

func ParseCommand(line string) (*Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil, ErrInvalidPacket
	}

	parts := splitUnescaped(line, '|')
	cmd := &Command{Name: strings.ToLower(strings.TrimSpace(unescape(parts[0])))}
	if cmd.Name == "" {
		return nil, ErrInvalidPacket
	}
	for _, p := range parts[1:] {
		cmd.Args = append(cmd.Args, unescape(p))
	}
	return cmd, nil
}

// splitUnescaped splits on delimiter, leaving escape sequences in place for unescape.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown sequence, keep verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// Escape protects the control syntax characters inside one field.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
