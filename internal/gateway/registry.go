package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
}

func (s *session) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *session) closeSend() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Registry tracks live sessions, their owning users and joined rooms. It is
// constructed at process start and mutated only through Register/Unregister
// and Join/LeaveRoom; cross-session effects go through the broker or
// direct-by-user-id delivery, never by touching another session's state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session            // session id -> session
	users    map[string]map[string]*session // user id -> session id -> session
	rooms    map[string]map[string]*session // room id -> session id -> session
	joined   map[string]map[string]struct{} // session id -> room ids
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		users:    make(map[string]map[string]*session),
		rooms:    make(map[string]map[string]*session),
		joined:   make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Idempotent per session id: replace a stale entry for the same id.
	if old, ok := r.sessions[sess.id]; ok && old != sess {
		r.removeLocked(old)
	}

	r.sessions[sess.id] = sess
	conns, ok := r.users[sess.userID]
	if !ok {
		conns = make(map[string]*session)
		r.users[sess.userID] = conns
	}
	conns[sess.id] = sess
	r.joined[sess.id] = make(map[string]struct{})
}

// Unregister removes the session and reports whether it was the user's last
// live connection, which is the trigger for immediate offline publication.
func (r *Registry) Unregister(sessionID string) (userID string, lastOfUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	r.removeLocked(sess)

	_, stillConnected := r.users[sess.userID]
	return sess.userID, !stillConnected
}

func (r *Registry) removeLocked(sess *session) {
	delete(r.sessions, sess.id)

	if conns, ok := r.users[sess.userID]; ok {
		delete(conns, sess.id)
		if len(conns) == 0 {
			delete(r.users, sess.userID)
		}
	}

	for roomID := range r.joined[sess.id] {
		r.leaveRoomLocked(sess.id, roomID)
	}
	delete(r.joined, sess.id)

	sess.closeSend()
}

func (r *Registry) JoinRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*session)
		r.rooms[roomID] = members
	}
	members[sessionID] = sess
	r.joined[sessionID][roomID] = struct{}{}
}

func (r *Registry) LeaveRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if joined, ok := r.joined[sessionID]; ok {
		delete(joined, roomID)
	}
	r.leaveRoomLocked(sessionID, roomID)
}

func (r *Registry) leaveRoomLocked(sessionID, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// DeliverToUser fans payload to every live session of userID and returns the
// number of sessions reached. Sessions with a full send buffer are dropped.
func (r *Registry) DeliverToUser(userID string, payload []byte) int {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.users[userID]))
	for _, sess := range r.users[userID] {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	return deliver(sessions, payload)
}

func (r *Registry) DeliverToRoom(roomID string, payload []byte) int {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.rooms[roomID]))
	for _, sess := range r.rooms[roomID] {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	return deliver(sessions, payload)
}

func (r *Registry) DeliverAll(payload []byte) int {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	return deliver(sessions, payload)
}

func deliver(sessions []*session, payload []byte) int {
	sent := 0
	for _, sess := range sessions {
		if sess.trySend(payload) {
			sent++
			continue
		}
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
	}
	return sent
}
