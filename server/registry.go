package server

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatd/protocol"

	"github.com/samber/lo"
)

var ErrAlreadyConnected = errors.New("username already connected")

// Registry maps usernames to their live sessions and is the only place a
// line is fanned out to more than one client.
//
// Register, Unregister and Broadcast all hold mu while they touch the map
// and enqueue to the outbound queues. Enqueueing never blocks, so the lock is
// never held across network I/O, and every session sees joins, messages and
// leaves in the same order. Once mu is released the caller waits, up to
// WriteTimeout, for recipients that fell SendBuffer lines behind; a
// recipient that drains nothing in that time is dropped.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register admits session under username and announces it to everyone,
// the newcomer included. A taken username is rejected with
// ErrAlreadyConnected and the current holder is left untouched.
func (r *Registry) Register(username string, session *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[username]; exists {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	r.sessions[username] = session
	_, backlogged := r.fanOut(protocol.JoinNotice(username))
	r.mu.Unlock()

	r.relieve(backlogged)
	return nil
}

// Unregister removes username if present and announces the departure to the
// remaining sessions. Removing an absent username is a no-op. The removed
// session's queue is closed, so its connection goes away once it is flushed.
func (r *Registry) Unregister(username string) bool {
	return r.remove(username, nil)
}

// remove deletes username only when it is still held by owner (any holder
// when owner is nil), so a stale session cannot evict a newer one.
func (r *Registry) remove(username string, owner *Session) bool {
	r.mu.Lock()
	session, ok := r.sessions[username]
	if !ok || (owner != nil && session != owner) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, username)
	session.closeQueue()
	_, backlogged := r.fanOut(protocol.LeaveNotice(username))
	r.mu.Unlock()

	r.relieve(backlogged)
	return true
}

// Broadcast sends "<sender>: <text>" to every registered session, the
// sender included, and returns how many sessions accepted it.
func (r *Registry) Broadcast(sender, text string) int {
	return r.Notify(protocol.FormatChat(sender, text))
}

// Notify fans out an already formatted line.
func (r *Registry) Notify(line string) int {
	r.mu.Lock()
	accepted, backlogged := r.fanOut(line)
	r.mu.Unlock()

	r.relieve(backlogged)
	return accepted
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Usernames returns the registered usernames, sorted.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	names := lo.Keys(r.sessions)
	r.mu.Unlock()

	slices.Sort(names)
	return names
}

// fanOut must be called with mu held.
func (r *Registry) fanOut(line string) (int, []*Session) {
	accepted := 0
	var backlogged []*Session
	for _, session := range r.sessions {
		if !session.Send(line) {
			continue
		}
		accepted++
		if session.backlogged() {
			backlogged = append(backlogged, session)
		}
	}
	return accepted, backlogged
}

// relieve waits for backlogged recipients to catch up, which slows the
// sender down to the pace of its slowest live reader. Recipients still
// stalled at the deadline stop receiving; their writer flushes what it can
// and the session tears itself down.
func (r *Registry) relieve(backlogged []*Session) {
	var deadline time.Time
	for _, session := range backlogged {
		if deadline.IsZero() {
			deadline = time.Now().Add(session.config.WriteTimeout)
		}
		if !session.waitForRoom(deadline) {
			r.log.Warn("Dropping stalled client", "user", session.Username(), "conn_id", session.ID)
			session.closeQueue()
		}
	}
}
