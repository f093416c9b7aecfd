package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"deskchat/internal/types"
)

func TestRoomViewMergeMessages(t *testing.T) {
	rv := &RoomView{Id: 5, Messages: make(map[int]*MessageView)}

	delta := []types.RoomMessage{
		{Id: 1, RoomId: 5, UserId: 2, Content: "hi", Timestamp: time.Now()},
		{Id: 2, RoomId: 5, UserId: 2, Content: "there", Timestamp: time.Now()},
	}

	rv.mergeMessages(delta)
	assert.Len(t, rv.Messages, 2, "expected both messages merged")

	// merging the same delta again is a no-op
	existing := rv.Messages[1]
	rv.mergeMessages(delta)
	assert.Len(t, rv.Messages, 2, "expected merge to be idempotent")
	assert.Same(t, existing, rv.Messages[1], "expected existing entries retained")

	// a later delta only adds the new key
	rv.mergeMessages([]types.RoomMessage{
		{Id: 2, RoomId: 5, UserId: 2, Content: "there"},
		{Id: 3, RoomId: 5, UserId: 3, Content: "hello"},
	})
	assert.Len(t, rv.Messages, 3, "expected only the new message added")
}

func TestRoomViewRecomputeUnread(t *testing.T) {
	newView := func(authors ...int) *RoomView {
		rv := &RoomView{Id: 5, Messages: make(map[int]*MessageView)}
		for i, uid := range authors {
			rv.Messages[i+1] = &MessageView{RoomMessage: types.RoomMessage{Id: i + 1, UserId: uid}}
		}
		return rv
	}

	t.Run("messages after last own from others are unread", func(t *testing.T) {
		rv := newView(2, 1, 2, 3)
		rv.recomputeUnread(1, false)
		assert.Equal(t, 2, rv.TotalUnread, "expected unread total to match")
		assert.False(t, rv.Messages[1].Unread, "expected message before last own to be read")
		assert.False(t, rv.Messages[2].Unread, "expected own message to be read")
		assert.True(t, rv.Messages[3].Unread, "expected later message to be unread")
		assert.True(t, rv.Messages[4].Unread, "expected later message to be unread")
	})

	t.Run("active stream has no unread", func(t *testing.T) {
		rv := newView(2, 3, 2)
		rv.recomputeUnread(1, true)
		assert.Equal(t, 0, rv.TotalUnread, "expected no unread while actively viewed")
	})

	t.Run("recompute is repeatable", func(t *testing.T) {
		rv := newView(2, 3)
		rv.recomputeUnread(1, false)
		assert.Equal(t, 2, rv.TotalUnread, "expected two unread")
		rv.recomputeUnread(1, false)
		assert.Equal(t, 2, rv.TotalUnread, "expected same total on recompute")
		rv.recomputeUnread(1, true)
		assert.Equal(t, 0, rv.TotalUnread, "expected unread cleared when viewed")
	})
}

func TestRecomputeUnreadKeepsSeededFloor(t *testing.T) {
	rv := &RoomView{Id: 5, Messages: make(map[int]*MessageView), TotalUnread: 5, seeded: 5}

	// no history fetched yet: recomputation must not drop below the
	// snapshot count
	rv.recomputeUnread(1, false)
	assert.Equal(t, 5, rv.TotalUnread, "expected snapshot count to survive recompute")

	// a single pushed message is still less information than the snapshot
	rv.mergeMessages([]types.RoomMessage{{Id: 1, RoomId: 5, UserId: 2, Content: "hi"}})
	rv.recomputeUnread(1, false)
	assert.Equal(t, 5, rv.TotalUnread, "expected floor to dominate a partial stream")

	// viewing the room clears the floor
	rv.recomputeUnread(1, true)
	assert.Equal(t, 0, rv.TotalUnread, "expected viewing to clear the count")
	rv.recomputeUnread(1, false)
	assert.Equal(t, 1, rv.TotalUnread, "expected plain recomputation after the floor is cleared")
}

func TestDMViewRecomputeUnread(t *testing.T) {
	dv := &DMView{UserId: 2, Messages: make(map[int]*DMMessageView)}
	dv.mergeMessages([]types.DirectMessage{
		{Id: 1, SenderId: 2, RecipientId: 1, Content: "ping"},
		{Id: 2, SenderId: 1, RecipientId: 2, Content: "pong"},
		{Id: 3, SenderId: 2, RecipientId: 1, Content: "ping again"},
	})

	dv.recomputeUnread(1, false)
	assert.Equal(t, 1, dv.TotalUnread, "expected one unread after own reply")
	assert.True(t, dv.Messages[3].Unread, "expected the last inbound message unread")

	dv.recomputeUnread(1, true)
	assert.Equal(t, 0, dv.TotalUnread, "expected no unread while conversation is open")
}
