package client

import (
	"sort"

	"deskchat/internal/types"
)

// MessageView is one room message plus the viewer's transient unread flag.
// The flag is bookkeeping only; it is recomputed from message positions and
// never persisted server-side.
type MessageView struct {
	types.RoomMessage
	Unread bool
}

type DMMessageView struct {
	types.DirectMessage
	Unread bool
}

// RoomView mirrors one room locally: messages keyed by store id, the
// derived unread total, and the last presence snapshot pushed by the server.
type RoomView struct {
	Id          int
	Name        string
	Messages    map[int]*MessageView
	TotalUnread int
	ActiveUsers []types.User

	// seeded floors TotalUnread with the server-merged snapshot count
	// until the room's history is fetched or the room is viewed; the local
	// message map is empty right after a reconnect and would under-count.
	seeded int
}

// DMView mirrors one conversation. Temp is true until at least one message
// has been exchanged; temp views are pruned on navigation unless they are
// the currently-open view.
type DMView struct {
	UserId      int
	DisplayName string
	Messages    map[int]*DMMessageView
	TotalUnread int
	Temp        bool

	// seeded floors TotalUnread like RoomView.seeded, cleared on the first
	// history fetch or when the conversation is viewed.
	seeded int
}

/// mergeMessages deep-merges pushed messages into the view: existing
// keys are retained, new keys added, no key ever removed. Merging the same
// delta twice is a no-op.
func (rv *RoomView) mergeMessages(messages []types.RoomMessage) {
	for _, msg := range messages {
		if _, ok := rv.Messages[msg.Id]; !ok {
			rv.Messages[msg.Id] = &MessageView{RoomMessage: msg}
		}
	}
}

func (dv *DMView) mergeMessages(dms []types.DirectMessage) {
	for _, dm := range dms {
		if _, ok := dv.Messages[dm.Id]; !ok {
			dv.Messages[dm.Id] = &DMMessageView{DirectMessage: dm}
		}
	}
}

// recomputeUnread re-derives every unread flag from message positions:
// messages after the viewer's last authored one, authored by someone else,
// are unread unless the stream is actively viewed. Returns the new total.
func (rv *RoomView) recomputeUnread(selfId int, active bool) {
	if active {
		rv.seeded = 0
	}

	ids := make([]int, 0, len(rv.Messages))
	for id := range rv.Messages {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	lastOwn := -1
	for i, id := range ids {
		if rv.Messages[id].UserId == selfId {
			lastOwn = i
		}
	}

	total := 0
	for i, id := range ids {
		mv := rv.Messages[id]
		unread := !active && i > lastOwn && mv.UserId != selfId
		mv.Unread = unread
		if unread {
			total++
		}
	}
	if total < rv.seeded {
		total = rv.seeded
	}
	rv.TotalUnread = total
}

func (dv *DMView) recomputeUnread(selfId int, active bool) {
	if active {
		dv.seeded = 0
	}

	ids := make([]int, 0, len(dv.Messages))
	for id := range dv.Messages {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	lastOwn := -1
	for i, id := range ids {
		if dv.Messages[id].SenderId == selfId {
			lastOwn = i
		}
	}

	total := 0
	for i, id := range ids {
		mv := dv.Messages[id]
		unread := !active && i > lastOwn && mv.SenderId != selfId
		mv.Unread = unread
		if unread {
			total++
		}
	}
	if total < dv.seeded {
		total = dv.seeded
	}
	dv.TotalUnread = total
}

// Snapshot is the client-local state persisted across reloads: enough for
// an instant paint and for the unread carry-over sent with the next setup.
// It is merged with fresh server data, never trusted outright.
type Snapshot struct {
	LastRoomId  int         `json:"lastRoomId"`
	UnreadRooms map[int]int `json:"unreadRooms,omitempty"`
	UnreadDMS   map[int]int `json:"unreadDMS,omitempty"`
}
