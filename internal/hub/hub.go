// Package hub tracks live connections, which room and user each one speaks
// for, and fans outbound messages out to them.
package hub

import (
	"sync"

	"github.com/sirupsen/logrus"

	"quizroom-service/internal/domain"
)

// Client is a live connection. Send must not block; it reports false when the
// message could not be queued.
type Client interface {
	ID() string
	Send(msg domain.Envelope) bool
}

// Binding associates a connection with one user of one room.
type Binding struct {
	RoomID string
	UserID string
}

type member struct {
	client   Client
	binding  Binding
	bound    bool
	admin    bool
	watching map[string]struct{}
}

// Hub is a weak index from connections to (room, user). It never owns room or
// user lifetime.
type Hub struct {
	log *logrus.Entry

	mu       sync.RWMutex
	members  map[string]*member
	rooms    map[string]map[string]struct{}
	watchers map[string]map[string]struct{}
	users    map[Binding]string
}

// New creates an empty hub.
func New(logger *logrus.Logger) *Hub {
	return &Hub{
		log:      logger.WithField("component", "hub"),
		members:  make(map[string]*member),
		rooms:    make(map[string]map[string]struct{}),
		watchers: make(map[string]map[string]struct{}),
		users:    make(map[Binding]string),
	}
}

// Register adds a connection with no binding and no privilege.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[c.ID()] = &member{client: c, watching: make(map[string]struct{})}
}

// Unregister forgets a connection and returns the binding it held, if any.
// Admin privilege goes with it.
func (h *Hub) Unregister(connID string) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return Binding{}, false
	}
	b, bound := m.binding, m.bound
	h.unbindLocked(connID, m)
	for roomID := range m.watching {
		removeFrom(h.watchers, roomID, connID)
	}
	delete(h.members, connID)
	return b, bound
}

// Bind points connID at (roomID, userID). A connection speaks for one user at
// a time, so any previous binding is returned for the caller to clean up. If
// another connection was bound to the same user it loses the binding.
func (h *Hub) Bind(connID, roomID, userID string) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return Binding{}, false
	}
	next := Binding{RoomID: roomID, UserID: userID}
	prev, hadPrev := m.binding, m.bound
	if hadPrev && prev == next {
		return Binding{}, false
	}
	h.unbindLocked(connID, m)

	if other, ok := h.users[next]; ok && other != connID {
		if om, ok := h.members[other]; ok {
			h.unbindLocked(other, om)
			h.log.WithFields(logrus.Fields{"room": roomID, "user": userID, "conn": other}).Info("user resumed on another connection")
		}
	}

	m.binding, m.bound = next, true
	h.users[next] = connID
	addTo(h.rooms, roomID, connID)
	return prev, hadPrev
}

func (h *Hub) unbindLocked(connID string, m *member) {
	if !m.bound {
		return
	}
	if h.users[m.binding] == connID {
		delete(h.users, m.binding)
	}
	removeFrom(h.rooms, m.binding.RoomID, connID)
	m.binding, m.bound = Binding{}, false
}

// BindingOf returns the binding of connID.
func (h *Hub) BindingOf(connID string) (Binding, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[connID]
	if !ok || !m.bound {
		return Binding{}, false
	}
	return m.binding, true
}

// SetAdmin marks connID privileged for the rest of its lifetime.
func (h *Hub) SetAdmin(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if ok {
		m.admin = true
	}
	return ok
}

// IsAdmin reports whether connID passed admin authentication.
func (h *Hub) IsAdmin(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[connID]
	return ok && m.admin
}

// Watch subscribes an admin connection to a room's broadcasts with the
// privileged projection.
func (h *Hub) Watch(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok || !m.admin {
		return
	}
	m.watching[roomID] = struct{}{}
	addTo(h.watchers, roomID, connID)
}

// Send delivers msg to a single connection.
func (h *Hub) Send(connID string, msg domain.Envelope) bool {
	h.mu.RLock()
	m, ok := h.members[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return m.client.Send(msg)
}

// Broadcast delivers participant to every connection bound to roomID and
// admin to every admin watching it. Delivery is best-effort per connection and
// happens outside the hub lock. It returns the number of messages queued.
func (h *Hub) Broadcast(roomID string, participant, admin domain.Envelope) int {
	type target struct {
		client Client
		admin  bool
	}

	h.mu.RLock()
	targets := make([]target, 0, len(h.rooms[roomID])+len(h.watchers[roomID]))
	for connID := range h.watchers[roomID] {
		if m, ok := h.members[connID]; ok {
			targets = append(targets, target{client: m.client, admin: true})
		}
	}
	for connID := range h.rooms[roomID] {
		if _, watching := h.watchers[roomID][connID]; watching {
			continue
		}
		if m, ok := h.members[connID]; ok {
			targets = append(targets, target{client: m.client})
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		msg := participant
		if t.admin {
			msg = admin
		}
		if t.client.Send(msg) {
			delivered++
		} else {
			h.log.WithFields(logrus.Fields{"room": roomID, "conn": t.client.ID()}).Debug("broadcast dropped")
		}
	}
	return delivered
}

// Members returns how many connections are bound to roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func addTo(index map[string]map[string]struct{}, roomID, connID string) {
	set, ok := index[roomID]
	if !ok {
		set = make(map[string]struct{})
		index[roomID] = set
	}
	set[connID] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, roomID, connID string) {
	set, ok := index[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, roomID)
	}
}
