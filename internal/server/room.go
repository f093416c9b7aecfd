package server

import (
	"database/sql"
	"errors"
	"log"
	"sort"
	"sync"

	"deskchat/internal/database"
	"deskchat/internal/proto"
	"deskchat/internal/stats"
	"deskchat/internal/types"
)

// GeneralRoomId is the protected default room. It always exists and is
// never deletable.
const GeneralRoomId = 1

const minRoomPasswordLen = 6

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidRoomParams = errors.New("invalid room parameters")
	ErrProtectedRoom     = errors.New("room is protected")
)

// Room is the in-memory materialization of one store row plus its
// currently-present sessions. Its password, once set, never changes.
type Room struct {
	id       int
	name     string
	password string
	registry *RoomRegistry

	mu      sync.Mutex
	present map[int]*SessionHandle
	log     *log.Logger

	// pubMu serializes message insert and broadcast: every present
	// connection observes room messages in store-id order.
	pubMu sync.Mutex
}

func (r *Room) Id() int { return r.id }

func (r *Room) Info() types.Room {
	return types.Room{
		Id:          r.id,
		Name:        r.name,
		HasPassword: r.password != "",
	}
}

// CheckPassword is an exact string compare; rooms without a password accept
// anything the client sends.
func (r *Room) CheckPassword(password string) bool {
	return r.password == "" || r.password == password
}

// Join adds the session to the room's present set, leaving its previous
// room first so the switch is atomic from the session's point of view, then
// broadcasts the updated presence snapshot to everyone present.
func (r *Room) Join(h *SessionHandle) {
	if old := h.currentRoom(); old != nil && old != r {
		old.Leave(h)
	}

	users := r.registry.addPresent(r, h)
	h.setRoom(r)

	r.broadcastPresence(users)
}

// Leave removes the session from the present set. The emptied room is
// evicted from the registry; its store rows remain.
func (r *Room) Leave(h *SessionHandle) bool {
	removed, remaining, evicted := r.registry.removePresent(r, h)
	if h.currentRoom() == r {
		h.setRoom(nil)
	}

	if !removed {
		return false
	}

	if evicted {
		r.log.Printf("room %d emptied, evicted from registry", r.id)
	} else {
		r.broadcastPresence(remaining)
	}
	return true
}

func (r *Room) IsPresent(userId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.present[userId]
	return ok
}

// Broadcast queues the message on every present connection. The present set
// is snapshotted under the lock; sends happen outside it.
func (r *Room) Broadcast(msg *proto.ServerMessage, skip *SessionHandle) {
	r.mu.Lock()
	handles := make([]*SessionHandle, 0, len(r.present))
	for _, h := range r.present {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if h == skip {
			continue
		}
		if !h.queue(msg) {
			r.log.Printf("dropped broadcast to %q in room %d", h.User.DisplayName, r.id)
		}
	}
}

func (r *Room) broadcastPresence(users []types.User) {
	if len(users) == 0 {
		return
	}

	r.Broadcast(&proto.ServerMessage{
		BaseMessage: proto.BaseMessage{
			Timestamp: proto.Now(),
		},
		UpdateRoom: &proto.UpdateRoom{
			RoomId:      r.id,
			ActiveUsers: users,
		},
	}, nil)
}

// activeUsersLocked snapshots the present users sorted by uid. Caller holds
// r.mu.
func (r *Room) activeUsersLocked() []types.User {
	users := make([]types.User, 0, len(r.present))
	for _, h := range r.present {
		users = append(users, h.User)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Id < users[j].Id })
	return users
}

// RoomRegistry is the process-wide index of materialized rooms. Rooms are
// lazily loaded from the store on first join and evicted when their present
// set empties. Lock order is registry then room.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[int]*Room
	db    database.ChatRepository
	stats stats.StatsProvider
	log   *log.Logger
}

func NewRoomRegistry(db database.ChatRepository, sp stats.StatsProvider, logger *log.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[int]*Room),
		db:    db,
		stats: sp,
		log:   logger,
	}
}

// GetOrLoad returns the materialized room, fetching it from the store if
// needed. The store round-trip happens without the registry lock held.
func (rr *RoomRegistry) GetOrLoad(roomId int) (*Room, error) {
	rr.mu.Lock()
	if room, ok := rr.rooms[roomId]; ok {
		rr.mu.Unlock()
		return room, nil
	}
	rr.mu.Unlock()

	dbRoom, err := rr.db.GetRoom(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	// another connection may have materialized it meanwhile
	if room, ok := rr.rooms[roomId]; ok {
		return room, nil
	}

	room := rr.materializeLocked(dbRoom)
	return room, nil
}

func (rr *RoomRegistry) Lookup(roomId int) (*Room, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room, ok := rr.rooms[roomId]
	return room, ok
}

// Create validates the parameters, inserts the room and the creator's
// membership in the store, and materializes the room.
func (rr *RoomRegistry) Create(params database.CreateRoomParams) (*Room, error) {
	if params.Name == "" {
		return nil, ErrInvalidRoomParams
	}
	if params.Password != "" && len(params.Password) < minRoomPasswordLen {
		return nil, ErrInvalidRoomParams
	}

	dbRoom, err := rr.db.CreateRoom(params)
	if err != nil {
		return nil, err
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.materializeLocked(dbRoom), nil
}

func (rr *RoomRegistry) materializeLocked(dbRoom database.Room) *Room {
	room := &Room{
		id:       dbRoom.Id,
		name:     dbRoom.Name,
		password: dbRoom.Password,
		registry: rr,
		present:  make(map[int]*SessionHandle),
		log:      rr.log,
	}
	rr.rooms[room.id] = room
	rr.stats.Incr(stats.LoadedRooms)

	rr.log.Printf("materialized room %d (%q)", room.id, room.name)
	return room
}

func (rr *RoomRegistry) addPresent(room *Room, h *SessionHandle) []types.User {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	// re-register the instance if it was evicted between load and join
	if _, ok := rr.rooms[room.id]; !ok {
		rr.rooms[room.id] = room
		rr.stats.Incr(stats.LoadedRooms)
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.present[h.User.Id] = h
	return room.activeUsersLocked()
}

func (rr *RoomRegistry) removePresent(room *Room, h *SessionHandle) (removed bool, remaining []types.User, evicted bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.present[h.User.Id]; !ok {
		return false, nil, false
	}
	delete(room.present, h.User.Id)

	if len(room.present) == 0 {
		if rr.rooms[room.id] == room {
			delete(rr.rooms, room.id)
			rr.stats.Decr(stats.LoadedRooms)
		}
		return true, nil, true
	}

	return true, room.activeUsersLocked(), false
}
