package server

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"deskchat/internal/database"
	"deskchat/internal/proto"
	"deskchat/internal/stats"
	"deskchat/internal/testutil"
	"deskchat/internal/types"
)

func newTestRoomRegistry(t *testing.T, db database.ChatRepository) *RoomRegistry {
	t.Helper()
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	return NewRoomRegistry(db, su, testutil.TestLogger(t))
}

func materializeTestRoom(rr *RoomRegistry, dbRoom database.Room) *Room {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.materializeLocked(dbRoom)
}

func registerTestHandle(t *testing.T, userId int, name string) *SessionHandle {
	t.Helper()
	c := newTestClient(t, nil, userId)
	return &SessionHandle{ConnId: c.connId, User: types.User{Id: userId, DisplayName: name}, client: c}
}

func TestCheckPassword(t *testing.T) {
	tcases := []struct {
		name     string
		password string
		supplied string
		want     bool
	}{
		{"no password set", "", "anything", true},
		{"no password set, empty supplied", "", "", true},
		{"correct password", "secret1", "secret1", true},
		{"wrong password", "secret1", "secret2", false},
		{"password set, empty supplied", "secret1", "", false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Room{password: tc.password}
			assert.Equal(t, tc.want, r.CheckPassword(tc.supplied), "expected password check to match")
		})
	}
}

func TestRoomInfo(t *testing.T) {
	rr := newTestRoomRegistry(t, &database.MockChatRepository{})
	room := materializeTestRoom(rr, database.Room{Id: 5, Name: "lobby", Password: "secret1"})

	info := room.Info()
	assert.Equal(t, 5, info.Id, "expected Id to match")
	assert.Equal(t, "lobby", info.Name, "expected Name to match")
	assert.True(t, info.HasPassword, "expected HasPassword to be set")
	assert.Equal(t, 5, room.Id(), "expected Id accessor to match")
}

func TestGetOrLoad(t *testing.T) {
	t.Run("loads from store and caches", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoom", 5).Return(database.Room{Id: 5, Name: "lobby"}, nil).Once()

		rr := newTestRoomRegistry(t, db)

		room, err := rr.GetOrLoad(5)
		assert.NoError(t, err, "expected no error loading room")
		assert.Equal(t, 5, room.Id(), "expected room id to match")

		// second call must hit the cache, not the store
		again, err := rr.GetOrLoad(5)
		assert.NoError(t, err, "expected no error on cached load")
		assert.Same(t, room, again, "expected the cached instance")
	})

	t.Run("room not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoom", 99).Return(database.Room{}, sql.ErrNoRows).Once()

		rr := newTestRoomRegistry(t, db)

		room, err := rr.GetOrLoad(99)
		assert.ErrorIs(t, err, ErrRoomNotFound, "expected ErrRoomNotFound")
		assert.Nil(t, room, "expected no room")
	})

	t.Run("store error", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		dbErr := errors.New("connection refused")
		db.On("GetRoom", 5).Return(database.Room{}, dbErr).Once()

		rr := newTestRoomRegistry(t, db)

		_, err := rr.GetOrLoad(5)
		assert.ErrorIs(t, err, dbErr, "expected store error to propagate")
	})
}

func TestCreateRoom(t *testing.T) {
	t.Run("creates and materializes", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		params := database.CreateRoomParams{Name: "lobby", Password: "secret1", OwnerId: 1}
		db.On("CreateRoom", params).Return(database.Room{Id: 7, Name: "lobby", Password: "secret1", OwnerId: 1}, nil).Once()

		rr := newTestRoomRegistry(t, db)

		room, err := rr.Create(params)
		assert.NoError(t, err, "expected no error creating room")
		assert.Equal(t, 7, room.Id(), "expected room id to match")

		cached, ok := rr.Lookup(7)
		assert.True(t, ok, "expected created room to be registered")
		assert.Same(t, room, cached, "expected the registered instance")
	})

	t.Run("invalid parameters", func(t *testing.T) {
		tcases := []struct {
			name   string
			params database.CreateRoomParams
		}{
			{"empty name", database.CreateRoomParams{Name: "", OwnerId: 1}},
			{"short password", database.CreateRoomParams{Name: "lobby", Password: "abc", OwnerId: 1}},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				rr := newTestRoomRegistry(t, &database.MockChatRepository{})
				_, err := rr.Create(tc.params)
				assert.ErrorIs(t, err, ErrInvalidRoomParams, "expected ErrInvalidRoomParams")
			})
		}
	})

	t.Run("store error", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		dbErr := errors.New("unique constraint violation")
		db.On("CreateRoom", mock.Anything).Return(database.Room{}, dbErr).Once()

		rr := newTestRoomRegistry(t, db)

		_, err := rr.Create(database.CreateRoomParams{Name: "lobby", OwnerId: 1})
		assert.ErrorIs(t, err, dbErr, "expected store error to propagate")
	})
}

func TestJoinSwitchesRooms(t *testing.T) {
	rr := newTestRoomRegistry(t, &database.MockChatRepository{})
	roomA := materializeTestRoom(rr, database.Room{Id: 1, Name: "general"})
	roomB := materializeTestRoom(rr, database.Room{Id: 2, Name: "lobby"})

	h := registerTestHandle(t, 1, "alice")

	roomA.Join(h)
	assert.True(t, roomA.IsPresent(1), "expected user present in first room")
	assert.Same(t, roomA, h.currentRoom(), "expected current room to be the first room")

	roomB.Join(h)
	assert.False(t, roomA.IsPresent(1), "expected user gone from the first room after switch")
	assert.True(t, roomB.IsPresent(1), "expected user present in the second room")
	assert.Same(t, roomB, h.currentRoom(), "expected current room to be the second room")
}

func TestLeaveEvictsEmptyRoom(t *testing.T) {
	rr := newTestRoomRegistry(t, &database.MockChatRepository{})
	room := materializeTestRoom(rr, database.Room{Id: 5, Name: "lobby"})

	h := registerTestHandle(t, 1, "alice")
	room.Join(h)

	removed := room.Leave(h)
	assert.True(t, removed, "expected leave to report removal")
	assert.Nil(t, h.currentRoom(), "expected current room to be cleared")

	_, ok := rr.Lookup(5)
	assert.False(t, ok, "expected emptied room to be evicted")

	// a second leave is a no-op
	assert.False(t, room.Leave(h), "expected repeated leave to report nothing removed")
}

func TestJoinBroadcastsPresence(t *testing.T) {
	rr := newTestRoomRegistry(t, &database.MockChatRepository{})
	room := materializeTestRoom(rr, database.Room{Id: 5, Name: "lobby"})

	h1 := registerTestHandle(t, 1, "alice")
	h2 := registerTestHandle(t, 2, "bob")

	room.Join(h1)
	msg := recvMessage(t, h1.client)
	assert.NotNil(t, msg.UpdateRoom, "expected a presence update")
	assert.Equal(t, 5, msg.UpdateRoom.RoomId, "expected room id to match")
	assert.Len(t, msg.UpdateRoom.ActiveUsers, 1, "expected one active user")

	room.Join(h2)
	for _, h := range []*SessionHandle{h1, h2} {
		msg := recvMessage(t, h.client)
		assert.NotNil(t, msg.UpdateRoom, "expected a presence update")
		assert.Len(t, msg.UpdateRoom.ActiveUsers, 2, "expected two active users")
		assert.Equal(t, 1, msg.UpdateRoom.ActiveUsers[0].Id, "expected active users sorted by uid")
		assert.Equal(t, 2, msg.UpdateRoom.ActiveUsers[1].Id, "expected active users sorted by uid")
	}
}

func TestBroadcast(t *testing.T) {
	rr := newTestRoomRegistry(t, &database.MockChatRepository{})
	room := materializeTestRoom(rr, database.Room{Id: 5, Name: "lobby"})

	h1 := registerTestHandle(t, 1, "alice")
	h2 := registerTestHandle(t, 2, "bob")
	room.Join(h1)
	room.Join(h2)

	// drain the presence updates
	recvMessage(t, h1.client)
	recvMessage(t, h1.client)
	recvMessage(t, h2.client)

	msg := &proto.ServerMessage{UpdateRoom: &proto.UpdateRoom{RoomId: 5}}

	room.Broadcast(msg, nil)
	assert.Equal(t, msg, recvMessage(t, h1.client), "expected broadcast delivered to first member")
	assert.Equal(t, msg, recvMessage(t, h2.client), "expected broadcast delivered to second member")

	room.Broadcast(msg, h1)
	assert.Equal(t, msg, recvMessage(t, h2.client), "expected broadcast delivered past the skip")
	assertNoMessage(t, h1.client)
}
