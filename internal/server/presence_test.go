package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"deskchat/internal/database"
	"deskchat/internal/proto"
	"deskchat/internal/stats"
	"deskchat/internal/testutil"
	"deskchat/internal/types"
)

// newTestClient creates a connection-less Client suitable for exercising the
// registries directly. Queued messages land on c.send.
func newTestClient(t *testing.T, cs *ChatServer, userId int) *Client {
	t.Helper()
	return &Client{
		connId:     fmt.Sprintf("conn-%d", userId),
		chatServer: cs,
		log:        testutil.TestLogger(t),
		userId:     userId,
		send:       make(chan *proto.ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func recvMessage(t *testing.T, c *Client) *proto.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued message")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no queued message, got %+v", msg)
	default:
	}
}

func TestPresenceRegister(t *testing.T) {
	p := NewPresenceRegistry(testutil.TestLogger(t))
	c := newTestClient(t, nil, 1)
	user := types.User{Id: 1, DisplayName: "alice"}

	h, err := p.Register(user, c)
	assert.NoError(t, err, "expected no error registering")
	assert.NotNil(t, h, "expected handle to be non-nil")
	assert.Equal(t, c.connId, h.ConnId, "expected ConnId to match")

	byUser, ok := p.LookupUser(1)
	assert.True(t, ok, "expected user to be found")
	assert.Equal(t, h, byUser, "expected same handle by uid")

	byConn, ok := p.LookupConn(c.connId)
	assert.True(t, ok, "expected connection to be found")
	assert.Equal(t, h, byConn, "expected same handle by connection id")
}

func TestPresenceRegisterIdempotentOnSameConnection(t *testing.T) {
	p := NewPresenceRegistry(testutil.TestLogger(t))
	c := newTestClient(t, nil, 1)
	user := types.User{Id: 1, DisplayName: "alice"}

	h1, err := p.Register(user, c)
	assert.NoError(t, err, "expected no error on first register")

	h2, err := p.Register(user, c)
	assert.NoError(t, err, "expected no error on duplicate register")
	assert.Same(t, h1, h2, "expected duplicate register to return the existing handle")
}

func TestPresenceRegisterSecondConnection(t *testing.T) {
	p := NewPresenceRegistry(testutil.TestLogger(t))
	user := types.User{Id: 1, DisplayName: "alice"}

	_, err := p.Register(user, newTestClient(t, nil, 1))
	assert.NoError(t, err, "expected no error on first register")

	c2 := newTestClient(t, nil, 1)
	c2.connId = "conn-1-second"
	h, err := p.Register(user, c2)
	assert.ErrorIs(t, err, ErrAlreadyConnected, "expected ErrAlreadyConnected for second connection")
	assert.Nil(t, h, "expected no handle for rejected register")
}

func TestDisplayNameInUse(t *testing.T) {
	p := NewPresenceRegistry(testutil.TestLogger(t))
	_, err := p.Register(types.User{Id: 1, DisplayName: "alice"}, newTestClient(t, nil, 1))
	assert.NoError(t, err, "expected no error registering")

	assert.True(t, p.DisplayNameInUse("alice", 2), "expected name held by another uid to be in use")
	assert.False(t, p.DisplayNameInUse("alice", 1), "expected own name not to conflict")
	assert.False(t, p.DisplayNameInUse("bob", 2), "expected unused name to be free")
}

func TestUnregisterLeavesCurrentRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	p := NewPresenceRegistry(logger)
	rr := NewRoomRegistry(db, su, logger)

	rr.mu.Lock()
	room := rr.materializeLocked(database.Room{Id: 5, Name: "lobby"})
	rr.mu.Unlock()

	c := newTestClient(t, nil, 1)
	h, err := p.Register(types.User{Id: 1, DisplayName: "alice"}, c)
	assert.NoError(t, err, "expected no error registering")

	room.Join(h)
	assert.True(t, room.IsPresent(1), "expected user to be present after join")

	p.Unregister(c.connId)

	_, ok := p.LookupUser(1)
	assert.False(t, ok, "expected user to be removed from registry")
	assert.False(t, room.IsPresent(1), "expected user to be removed from room")
	_, ok = rr.Lookup(5)
	assert.False(t, ok, "expected emptied room to be evicted")
}

func TestUnregisterUnknownConnection(t *testing.T) {
	p := NewPresenceRegistry(testutil.TestLogger(t))
	// must not panic
	p.Unregister("no-such-conn")
}
