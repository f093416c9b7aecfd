package server

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"deskchat/internal/proto"
	"deskchat/internal/types"
)

var ErrAlreadyConnected = errors.New("user already connected elsewhere")

// SessionHandle is one live connection for one user. A handle is present in
// at most one room at a time; the room pointer is mutated only through
// Room.Join and Room.Leave.
type SessionHandle struct {
	ConnId string
	User   types.User

	client  *Client
	mu      sync.Mutex
	room    *Room
	revoked atomic.Bool
}

func (h *SessionHandle) currentRoom() *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

func (h *SessionHandle) setRoom(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.room = r
}

// Revoke marks the session banned. Every subsequent operation on the
// connection is answered with an auth-revoked response.
func (h *SessionHandle) Revoke() {
	h.revoked.Store(true)
}

func (h *SessionHandle) Revoked() bool {
	return h.revoked.Load()
}

func (h *SessionHandle) queue(msg *proto.ServerMessage) bool {
	return h.client.queueMessage(msg)
}

// PresenceRegistry is the process-wide index of connected users. All
// mutation funnels through Register and Unregister.
type PresenceRegistry struct {
	mu     sync.RWMutex
	byUser map[int]*SessionHandle
	byConn map[string]*SessionHandle
	log    *log.Logger
}

func NewPresenceRegistry(logger *log.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		byUser: make(map[int]*SessionHandle),
		byConn: make(map[string]*SessionHandle),
		log:    logger,
	}
}

// Register binds a user to a connection. Re-announcing on the same
// connection returns the existing handle; a second connection for the same
// uid fails with ErrAlreadyConnected.
func (p *PresenceRegistry) Register(user types.User, c *Client) (*SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byUser[user.Id]; ok {
		if existing.client == c {
			return existing, nil
		}
		return nil, ErrAlreadyConnected
	}

	h := &SessionHandle{
		ConnId: c.connId,
		User:   user,
		client: c,
	}
	p.byUser[user.Id] = h
	p.byConn[c.connId] = h

	p.log.Printf("registered %q (uid %d) on connection %s", user.DisplayName, user.Id, c.connId)
	return h, nil
}

func (p *PresenceRegistry) LookupUser(userId int) (*SessionHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.byUser[userId]
	return h, ok
}

func (p *PresenceRegistry) LookupConn(connId string) (*SessionHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.byConn[connId]
	return h, ok
}

// DisplayNameInUse reports whether another live connection holds the name
// under a different uid.
func (p *PresenceRegistry) DisplayNameInUse(name string, userId int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, h := range p.byUser {
		if h.User.DisplayName == name && h.User.Id != userId {
			return true
		}
	}
	return false
}

// Unregister removes the connection's handle, first forcing it out of its
// current room. It runs on every disconnect path, graceful or abrupt.
func (p *PresenceRegistry) Unregister(connId string) {
	p.mu.Lock()
	h, ok := p.byConn[connId]
	if ok {
		delete(p.byConn, connId)
		delete(p.byUser, h.User.Id)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	if r := h.currentRoom(); r != nil {
		r.Leave(h)
	}
	p.log.Printf("unregistered %q (connection %s)", h.User.DisplayName, connId)
}
