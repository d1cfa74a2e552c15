package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"chatd/models"
	"chatd/protocol"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 1000
)

// ControlServer answers operator commands on a local socket:
//
//	stats              server and process statistics
//	recent|N           the last N logged messages
//	shutdown|reason    stop the chat server
//
// Replies start with "OK" or "ERROR|<description>".
type ControlServer struct {
	server     *Server
	history    HistoryReader
	onShutdown func(reason string)
	log        *slog.Logger
	ln         net.Listener
	path       string
}

// NewControlServer wires the commands. history may be nil, in which case
// recent is refused.
func NewControlServer(server *Server, history HistoryReader, onShutdown func(reason string), log *slog.Logger) *ControlServer {
	return &ControlServer{
		server:     server,
		history:    history,
		onShutdown: onShutdown,
		log:        log,
	}
}

// Listen binds the unix socket at path, replacing a stale socket file.
func (c *ControlServer) Listen(path string) error {
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	c.ln = ln
	c.path = path
	c.log.Info("Control socket listening", "path", path)
	return nil
}

// Serve handles connections on ln until it is closed. When ln is nil the
// listener from Listen is used.
func (c *ControlServer) Serve(ln net.Listener) error {
	if ln == nil {
		ln = c.ln
	}
	if ln == nil {
		return errors.New("control socket: no listener")
	}
	c.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Error("Control socket accept failed", "error", err)
			return err
		}
		go c.handle(conn)
	}
}

func (c *ControlServer) Close() error {
	if c.ln == nil {
		return nil
	}
	err := c.ln.Close()
	if c.path != "" {
		_ = removeStaleSocket(c.path)
	}
	return err
}

func (c *ControlServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		writeError(conn, "Invalid command")
		return
	}

	switch cmd.Name {
	case "stats":
		c.handleStats(conn)
	case "recent":
		c.handleRecent(conn, cmd)
	case "shutdown":
		reason := cmd.Arg(0)
		if reason == "" {
			reason = "maintenance"
		}
		io.WriteString(conn, "OK|Shutting down\n")
		c.log.Info("Shutdown requested", "reason", reason)
		if c.onShutdown != nil {
			c.onShutdown(reason)
		}
	default:
		writeError(conn, "Unknown command")
	}
}

func (c *ControlServer) handleStats(w io.Writer) {
	stats := c.server.Stats()

	rows := [][]string{
		{"connections", strconv.Itoa(stats.Connections)},
		{"users", strconv.Itoa(len(stats.Users))},
		{"accepted", strconv.FormatInt(stats.Accepted, 10)},
		{"uptime", stats.Uptime().String()},
	}
	if rss, cpu, err := selfStats(); err == nil {
		rows = append(rows,
			[]string{"rss_bytes", strconv.FormatUint(rss, 10)},
			[]string{"cpu_percent", strconv.FormatFloat(cpu, 'f', 2, 64)},
		)
	} else {
		c.log.Debug("Process stats unavailable", "error", err)
	}
	if counter, ok := c.history.(messageCounter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stored, err := counter.Count(ctx)
		cancel()
		if err == nil {
			rows = append(rows, []string{"stored_messages", strconv.Itoa(stored)})
		} else {
			c.log.Warn("Failed to count stored messages", "error", err)
		}
	}
	if len(stats.Users) > 0 {
		rows = append(rows, []string{"online", strings.Join(stats.Users, ", ")})
	}

	io.WriteString(w, "OK|"+stats.String()+"\n")
	table := newTable(w, []string{"Metric", "Value"})
	table.AppendBulk(rows)
	table.Render()
}

func (c *ControlServer) handleRecent(w io.Writer, cmd *protocol.Command) {
	if c.history == nil {
		writeError(w, "History not available")
		return
	}

	limit := defaultRecentLimit
	if arg := cmd.Arg(0); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			writeError(w, "Invalid limit")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := c.history.Recent(ctx, limit)
	if err != nil {
		c.log.Warn("Failed to read message history", "error", err)
		writeError(w, "Internal error")
		return
	}

	io.WriteString(w, "OK|"+strconv.Itoa(len(messages))+"\n")
	table := newTable(w, []string{"ID", "Time", "User", "Message"})
	table.AppendBulk(lo.Map(messages, func(m models.ChatMessage, _ int) []string {
		return []string{
			strconv.FormatInt(m.ID, 10),
			m.Timestamp.UTC().Format(time.RFC3339),
			m.Username,
			m.Text,
		}
	}))
	table.Render()
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

// removeStaleSocket clears a socket left behind by a previous run. Any other
// kind of file at path is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("control socket: %w", err)
	case info.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("control socket: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	return nil
}

func writeError(w io.Writer, description string) {
	io.WriteString(w, "ERROR|"+protocol.Escape(description)+"\n")
}

// selfStats reports resident memory and CPU usage of this process.
func selfStats() (uint64, float64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return mem.RSS, cpu, nil
}
