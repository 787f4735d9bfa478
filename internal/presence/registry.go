// Package presence holds the in-memory indices mapping rooms, identities
// and connections to each other. Every mutation is a single lock-held
// critical section so the cross-index invariants hold after each call, not
// just eventually.
package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
	"github.com/haroon-sajid/teamapp-gateway/pkg/transport"
)

var ErrNotRegistered = errors.New("presence: connection not registered")

// Entry is one authenticated connection's presence state.
type Entry struct {
	ConnID   uuid.UUID
	Identity auth.Identity
	Sender   transport.Sender

	// Room is the single active project room, empty when none is joined.
	Room       string
	TeamScopes map[string]struct{}

	RegisteredAt time.Time
}

// Registry indexes authenticated connections. Only the session machine and
// the router mutate it.
type Registry struct {
	mu sync.RWMutex

	// conns is connection → entry; only Authenticated connections appear.
	conns map[uuid.UUID]*Entry
	// subjects is identity → live connections for that subject.
	subjects map[string]map[uuid.UUID]*Entry
	// rooms is room → member subjects (identity level, per the room model).
	rooms map[string]map[string]struct{}
	// scopes is team scope → connections, for broadcast fan-out.
	scopes map[string]map[uuid.UUID]*Entry

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:    make(map[uuid.UUID]*Entry),
		subjects: make(map[string]map[uuid.UUID]*Entry),
		rooms:    make(map[string]map[string]struct{}),
		scopes:   make(map[string]map[uuid.UUID]*Entry),
		logger:   logger.With(slog.String("component", "presence")),
	}
}

// Register records a freshly authenticated connection. Concurrent
// connections per identity are allowed (multi-device).
func (r *Registry) Register(connID uuid.UUID, identity auth.Identity, sender transport.Sender) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		if existing.Identity.SubjectID == identity.SubjectID {
			// Routine re-authentication: refresh the identity in place so
			// room and scope memberships survive a token refresh.
			existing.Identity = identity
			existing.Sender = sender
			return existing
		}
		// The connection re-authenticated as a different subject.
		r.detachLocked(existing)
	}

	entry := &Entry{
		ConnID:       connID,
		Identity:     identity,
		Sender:       sender,
		TeamScopes:   make(map[string]struct{}),
		RegisteredAt: time.Now(),
	}
	r.conns[connID] = entry

	subjConns, ok := r.subjects[identity.SubjectID]
	if !ok {
		subjConns = make(map[uuid.UUID]*Entry)
		r.subjects[identity.SubjectID] = subjConns
	}
	subjConns[connID] = entry

	r.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("subject", identity.SubjectID))
	return entry
}

// Deregister removes a connection from every index. Safe to call for
// connections that never authenticated. It reports the identity and the
// project room whose membership the subject actually lost (empty when the
// subject has another connection keeping the room alive), so callers can
// notify the remaining members.
func (r *Registry) Deregister(connID uuid.UUID) (leftRoom string, identity auth.Identity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.conns[connID]
	if !found {
		return "", auth.Identity{}, false
	}
	leftRoom = r.detachLocked(entry)
	r.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("subject", entry.Identity.SubjectID))
	return leftRoom, entry.Identity, true
}

// detachLocked unlinks entry from subjects, rooms and scopes, returning the
// room the subject departed, if any. Caller holds mu.
func (r *Registry) detachLocked(entry *Entry) (departedRoom string) {
	delete(r.conns, entry.ConnID)

	subject := entry.Identity.SubjectID
	if subjConns, ok := r.subjects[subject]; ok {
		delete(subjConns, entry.ConnID)
		if len(subjConns) == 0 {
			delete(r.subjects, subject)
		}
	}

	if entry.Room != "" {
		room := entry.Room
		if r.leaveRoomLocked(entry, room) {
			departedRoom = room
		}
	}
	for scope := range entry.TeamScopes {
		if scopeConns, ok := r.scopes[scope]; ok {
			delete(scopeConns, entry.ConnID)
			if len(scopeConns) == 0 {
				delete(r.scopes, scope)
			}
		}
	}
	return departedRoom
}

// JoinRoom moves the connection into roomID, leaving any previously joined
// project room first. It returns the room left (empty when none) and the
// member identities present after the join.
func (r *Registry) JoinRoom(connID uuid.UUID, roomID string) (previous string, members []auth.Identity, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return "", nil, ErrNotRegistered
	}

	previous = entry.Room
	if previous == roomID {
		previous = ""
	} else if previous != "" {
		r.leaveRoomLocked(entry, previous)
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[roomID] = room
	}
	room[entry.Identity.SubjectID] = struct{}{}
	entry.Room = roomID

	members = r.roomMembersLocked(roomID)
	r.logger.Debug("Joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return previous, members, nil
}

// LeaveRoom removes the connection from roomID if it is the active room.
func (r *Registry) LeaveRoom(connID uuid.UUID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	if entry.Room != roomID {
		return nil
	}
	r.leaveRoomLocked(entry, roomID)
	entry.Room = ""
	r.logger.Debug("Left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

// leaveRoomLocked drops the subject from the room membership unless another
// of its connections still has the room active, reporting whether the subject
// actually departed. Caller holds mu.
func (r *Registry) leaveRoomLocked(entry *Entry, roomID string) bool {
	entry.Room = ""

	subject := entry.Identity.SubjectID
	for _, other := range r.subjects[subject] {
		if other.ConnID != entry.ConnID && other.Room == roomID {
			return false
		}
	}

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(room, subject)
	if len(room) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
	return true
}

// JoinTeamScopes adds the connection to each team scope. Scopes are assigned
// on authentication, never explicitly joined by the client.
func (r *Registry) JoinTeamScopes(connID uuid.UUID, scopeIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	for _, scope := range scopeIDs {
		scopeConns, ok := r.scopes[scope]
		if !ok {
			scopeConns = make(map[uuid.UUID]*Entry)
			r.scopes[scope] = scopeConns
		}
		scopeConns[connID] = entry
		entry.TeamScopes[scope] = struct{}{}
	}
	return nil
}

// Get returns the presence entry for a connection, if it is authenticated.
func (r *Registry) Get(connID uuid.UUID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[connID]
	return entry, ok
}

// RoomMembers returns the identities present in a room.
func (r *Registry) RoomMembers(roomID string) []auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomMembersLocked(roomID)
}

func (r *Registry) roomMembersLocked(roomID string) []auth.Identity {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]auth.Identity, 0, len(room))
	for subject := range room {
		for _, entry := range r.subjects[subject] {
			members = append(members, entry.Identity)
			break
		}
	}
	return members
}

// RoomSenders returns one sender per connection whose active room is roomID.
func (r *Registry) RoomSenders(roomID string) []transport.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var senders []transport.Sender
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	for subject := range room {
		for _, entry := range r.subjects[subject] {
			if entry.Room == roomID {
				senders = append(senders, entry.Sender)
			}
		}
	}
	return senders
}

// ScopeSenders returns the senders of every connection in a team scope.
func (r *Registry) ScopeSenders(scopeID string) []transport.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopeConns, ok := r.scopes[scopeID]
	if !ok {
		return nil
	}
	senders := make([]transport.Sender, 0, len(scopeConns))
	for _, entry := range scopeConns {
		senders = append(senders, entry.Sender)
	}
	return senders
}

// SubjectSenders returns the senders of every live connection of a subject.
func (r *Registry) SubjectSenders(subjectID string) []transport.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subjConns, ok := r.subjects[subjectID]
	if !ok {
		return nil
	}
	senders := make([]transport.Sender, 0, len(subjConns))
	for _, entry := range subjConns {
		senders = append(senders, entry.Sender)
	}
	return senders
}

// Counts reports connection and room totals for the status endpoint.
func (r *Registry) Counts() (conns, subjects, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.subjects), len(r.rooms)
}
