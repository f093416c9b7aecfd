package server

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"deskchat/internal/database"
	"deskchat/internal/proto"
	"deskchat/internal/stats"
	"deskchat/internal/types"
)

const (
	// default history windows applied when the client supplies no watermark
	roomHistoryWindow = 60 * 24 * time.Hour
	dmHistoryWindow   = 90 * 24 * time.Hour
)

// ChatServer is the session protocol handler: it owns the presence and room
// registries and processes every inbound connection event against them and
// the store. Operations from one connection are serialized by its read
// pump; operations from different connections run concurrently.
type ChatServer struct {
	log         *log.Logger
	db          database.ChatRepository
	stats       stats.StatsProvider
	presence    *PresenceRegistry
	rooms       *RoomRegistry
	started     time.Time
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, sp stats.StatsProvider) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("nil repository")
	}

	for _, metric := range []string{
		stats.ActiveConnections,
		stats.LoadedRooms,
		stats.RoomMessages,
		stats.DirectMessages,
	} {
		sp.RegisterMetric(metric)
	}

	return &ChatServer{
		log:      logger,
		db:       db,
		stats:    sp,
		presence: NewPresenceRegistry(logger),
		rooms:    NewRoomRegistry(db, sp, logger),
		started:  time.Now().UTC(),
		clients:  make(map[*Client]struct{}),
	}, nil
}

func (cs *ChatServer) AddClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.ActiveConnections)
	}
}

func (cs *ChatServer) Shutdown() {
	cs.log.Println("shutting down chat server")

	cs.clientsLock.Lock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range clients {
		// tell the peer to redial another instance before the socket drops
		c.queueMessage(&proto.ServerMessage{
			BaseMessage: proto.BaseMessage{Timestamp: proto.Now()},
			Reconnect:   true,
		})
		c.stopClient()
	}
}

// dispatch processes one inbound event to completion, including its store
// round-trips, before the read pump hands over the next one.
func (cs *ChatServer) dispatch(c *Client, msg *proto.ClientMessage) {
	if h := c.session; h != nil && h.Revoked() {
		c.queueMessage(proto.ErrAuthRevoked(msg.Id))
		return
	}

	switch {
	case msg.SetupUser != nil:
		cs.handleSetup(c, msg)
	case msg.JoinRoom != nil:
		cs.handleJoin(c, msg)
	case msg.CreateRoom != nil:
		cs.handleCreateRoom(c, msg)
	case msg.DeleteRoom != nil:
		cs.handleDeleteRoom(c, msg)
	case msg.Publish != nil:
		cs.handlePublish(c, msg)
	case msg.SendDM != nil:
		cs.handleSendDM(c, msg)
	case msg.GetLogsDMS != nil:
		cs.handleGetLogsDMS(c, msg)
	case msg.Ban != nil:
		cs.handleBan(c, msg)
	default:
		c.queueMessage(proto.ErrInvalidMessage(msg.Id))
	}
}

// requireReady rejects room and DM operations until identity setup has
// completed on this connection.
func (cs *ChatServer) requireReady(c *Client, id int) *SessionHandle {
	if c.state() != stateReady || c.session == nil {
		c.queueMessage(proto.ErrNotReady(id))
		return nil
	}
	return c.session
}

func (cs *ChatServer) handleSetup(c *Client, msg *proto.ClientMessage) {
	su := msg.SetupUser
	if su.DisplayName == "" {
		c.queueMessage(proto.ErrBadParams(msg.Id, "display name required"))
		return
	}

	dbUser, err := cs.db.GetAccountById(c.userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(proto.ErrUserNotFound(msg.Id))
		} else {
			cs.log.Println("GetAccountById:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
		}
		return
	}

	if dbUser.AccessLevel == string(types.AccessBanned) {
		c.queueMessage(proto.ErrAuthRevoked(msg.Id))
		return
	}

	if cs.presence.DisplayNameInUse(su.DisplayName, dbUser.Id) {
		c.queueMessage(proto.ErrUsernameTaken(msg.Id))
		return
	}

	user := types.User{
		Id:          dbUser.Id,
		DisplayName: su.DisplayName,
		AccessLevel: types.AccessLevel(dbUser.AccessLevel),
		CreatedAt:   dbUser.CreatedAt,
		UpdatedAt:   dbUser.UpdatedAt,
	}

	c.setState(stateAuthenticating)

	// idempotent on the same connection: a duplicate setup returns the
	// already-registered handle
	handle, err := cs.presence.Register(user, c)
	if err != nil {
		c.setState(stateUnauthenticated)
		c.queueMessage(proto.ErrAlreadyConnected(msg.Id))
		return
	}
	c.session = handle

	myRooms, err := cs.roomSnapshots(user.Id, su.UnreadRooms)
	if err != nil {
		cs.log.Println("room snapshots:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	myDMS, err := cs.dmSnapshots(user.Id, su.UnreadDMS)
	if err != nil {
		cs.log.Println("dm snapshots:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	c.setState(stateReady)

	c.queueMessage(proto.NoErrOK(msg.Id, &proto.ResponseData{
		User:    &user,
		MyRooms: myRooms,
		MyDMS:   myDMS,
	}))
}

// roomSnapshots builds the per-room setup entries, merging the client's
// carry-over unread counts additively with the store-derived counts so a
// reconnect never under-counts.
func (cs *ChatServer) roomSnapshots(userId int, carryOver map[int]int) (map[int]types.RoomSnapshot, error) {
	rooms, err := cs.db.ListMemberships(userId)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[int]types.RoomSnapshot, len(rooms))
	for _, room := range rooms {
		messages, err := cs.db.GetRoomMessagesSince(room.Id, proto.Now().Add(-roomHistoryWindow))
		if err != nil {
			return nil, err
		}

		snapshots[room.Id] = types.RoomSnapshot{
			Room: types.Room{
				Id:          room.Id,
				Name:        room.Name,
				HasPassword: room.Password != "",
			},
			Unread: carryOver[room.Id] + countUnread(messages, userId),
		}
	}

	return snapshots, nil
}

func (cs *ChatServer) dmSnapshots(userId int, carryOver map[int]int) (map[int]types.DMSnapshot, error) {
	latest, err := cs.db.GetLatestDirectMessages(userId)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[int]types.DMSnapshot, len(latest))
	for _, dm := range latest {
		counterpartId := dm.SenderId
		if counterpartId == userId {
			counterpartId = dm.RecipientId
		}

		counterpart, err := cs.db.GetAccountById(counterpartId)
		if err != nil {
			return nil, err
		}

		history, err := cs.db.GetDirectMessagesBetween(userId, counterpartId, proto.Now().Add(-dmHistoryWindow))
		if err != nil {
			return nil, err
		}
		unread := carryOver[counterpartId] + countUnreadDMs(history, userId)

		last := types.DirectMessage{
			Id:          dm.Id,
			SenderId:    dm.SenderId,
			RecipientId: dm.RecipientId,
			Content:     dm.Content,
			Timestamp:   dm.CreatedAt,
		}

		snapshots[counterpartId] = types.DMSnapshot{
			User: types.User{
				Id:          counterpart.Id,
				DisplayName: counterpart.DisplayName,
			},
			LastMessage: &last,
			Unread:      unread,
		}
	}

	return snapshots, nil
}

// countUnread derives the unread count of a stream for one viewer: every
// message after the viewer's last authored one, authored by someone else.
func countUnread(messages []database.RoomMessage, userId int) int {
	lastOwn := -1
	for i, msg := range messages {
		if msg.UserId == userId {
			lastOwn = i
		}
	}

	var count int
	for _, msg := range messages[lastOwn+1:] {
		if msg.UserId != userId {
			count++
		}
	}
	return count
}

// countUnreadDMs applies the same derivation to a conversation: inbound
// messages after the viewer's last reply.
func countUnreadDMs(messages []database.DirectMessage, userId int) int {
	lastOwn := -1
	for i, msg := range messages {
		if msg.SenderId == userId {
			lastOwn = i
		}
	}

	var count int
	for _, msg := range messages[lastOwn+1:] {
		if msg.SenderId != userId {
			count++
		}
	}
	return count
}

func (cs *ChatServer) handleJoin(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	j := msg.JoinRoom
	room, err := cs.rooms.GetOrLoad(j.RoomId)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			c.queueMessage(proto.ErrRoomNotFound(msg.Id))
		} else {
			cs.log.Println("GetOrLoad:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
		}
		return
	}

	// a failed password check leaves the session in its previous room
	if !room.CheckPassword(j.Password) {
		c.queueMessage(proto.ErrWrongPassword(msg.Id))
		return
	}

	if !cs.db.MembershipExists(h.User.Id, room.Id()) {
		if err := cs.db.CreateMembership(h.User.Id, room.Id()); err != nil {
			cs.log.Println("CreateMembership:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
			return
		}
	}

	room.Join(h)

	since := proto.Now().Add(-roomHistoryWindow)
	if j.LastMsgTS != nil {
		since = *j.LastMsgTS
	}

	dbMessages, err := cs.db.GetRoomMessagesSince(room.Id(), since)
	if err != nil {
		cs.log.Println("GetRoomMessagesSince:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	roomInfo := room.Info()
	c.queueMessage(proto.NoErrOK(msg.Id, &proto.ResponseData{
		Room:     &roomInfo,
		Messages: toRoomMessages(dbMessages),
	}))
}

func (cs *ChatServer) handleCreateRoom(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	room, err := cs.rooms.Create(database.CreateRoomParams{
		Name:     msg.CreateRoom.Name,
		Password: msg.CreateRoom.Password,
		OwnerId:  h.User.Id,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRoomParams) {
			c.queueMessage(proto.ErrBadParams(msg.Id, "invalid room parameters"))
		} else {
			cs.log.Println("Create:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
		}
		return
	}

	// creator joins the new room immediately
	room.Join(h)

	roomInfo := room.Info()
	c.queueMessage(proto.NoErrOK(msg.Id, &proto.ResponseData{
		Room: &roomInfo,
	}))
}

func (cs *ChatServer) handleDeleteRoom(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	roomId := msg.DeleteRoom.RoomId
	if roomId == GeneralRoomId {
		c.queueMessage(proto.ErrProtectedRoom(msg.Id))
		return
	}

	if err := cs.db.DeleteMembership(h.User.Id, roomId); err != nil {
		cs.log.Println("DeleteMembership:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	if cur := h.currentRoom(); cur != nil && cur.Id() == roomId {
		cur.Leave(h)
	}

	c.queueMessage(proto.NoErrOK(msg.Id, nil))
}

func (cs *ChatServer) handlePublish(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	pub := msg.Publish
	if pub.Content == "" {
		c.queueMessage(proto.ErrBadParams(msg.Id, "empty message"))
		return
	}

	room, ok := cs.rooms.Lookup(pub.RoomId)
	if !ok || !room.IsPresent(h.User.Id) {
		c.queueMessage(proto.ErrRoomNotFound(msg.Id))
		return
	}

	// the publish lock spans insert and delivery: a concurrent publisher
	// could otherwise broadcast a later id before an earlier one
	room.pubMu.Lock()
	defer room.pubMu.Unlock()

	created, err := cs.db.CreateRoomMessage(database.RoomMessage{
		RoomId:    room.Id(),
		UserId:    h.User.Id,
		Content:   pub.Content,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		cs.log.Println("CreateRoomMessage:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	cs.stats.Incr(stats.RoomMessages)
	c.queueMessage(proto.NoErrAccepted(msg.Id))

	// everyone present receives the message, the sender included: the
	// sender reconciles by echo rather than a local-only optimistic insert
	room.Broadcast(&proto.ServerMessage{
		BaseMessage: proto.BaseMessage{
			Timestamp: proto.Now(),
		},
		UpdateRoom: &proto.UpdateRoom{
			RoomId: room.Id(),
			Messages: []types.RoomMessage{{
				Id:        created.Id,
				RoomId:    created.RoomId,
				UserId:    created.UserId,
				Content:   created.Content,
				Timestamp: created.CreatedAt,
			}},
		},
	}, nil)
}

func (cs *ChatServer) handleSendDM(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	sd := msg.SendDM
	if sd.Content == "" {
		c.queueMessage(proto.ErrBadParams(msg.Id, "empty message"))
		return
	}

	if _, err := cs.db.GetAccountById(sd.RecipientId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(proto.ErrUserNotFound(msg.Id))
		} else {
			cs.log.Println("GetAccountById:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
		}
		return
	}

	created, err := cs.db.CreateDirectMessage(database.DirectMessage{
		SenderId:    h.User.Id,
		RecipientId: sd.RecipientId,
		Content:     sd.Content,
		CreatedAt:   msg.Timestamp,
	})
	if err != nil {
		cs.log.Println("CreateDirectMessage:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	cs.stats.Incr(stats.DirectMessages)
	c.queueMessage(proto.NoErrAccepted(msg.Id))

	push := &proto.ServerMessage{
		BaseMessage: proto.BaseMessage{
			Timestamp: proto.Now(),
		},
		ReceiveData: &proto.ReceiveData{
			DMS: []types.DirectMessage{{
				Id:          created.Id,
				SenderId:    created.SenderId,
				RecipientId: created.RecipientId,
				Content:     created.Content,
				Timestamp:   created.CreatedAt,
			}},
		},
	}

	// deliver to the recipient only if currently connected; an offline
	// recipient picks the message up from its next history fetch
	if recipient, ok := cs.presence.LookupUser(sd.RecipientId); ok {
		recipient.queue(push)
	}

	// sender echo
	h.queue(push)
}

func (cs *ChatServer) handleGetLogsDMS(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	g := msg.GetLogsDMS

	// the client already fetched within this chat session; nothing new to
	// return
	if g.TsLogsFetched != nil && g.TsLogsFetched.After(cs.started) {
		c.queueMessage(proto.NoErrOK(msg.Id, &proto.ResponseData{DMS: []types.DirectMessage{}}))
		return
	}

	since := proto.Now().Add(-dmHistoryWindow)
	if g.Since != nil {
		since = *g.Since
	}

	dbMessages, err := cs.db.GetDirectMessagesBetween(h.User.Id, g.RecipientId, since)
	if err != nil {
		cs.log.Println("GetDirectMessagesBetween:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	dms := make([]types.DirectMessage, 0, len(dbMessages))
	for _, dm := range dbMessages {
		dms = append(dms, types.DirectMessage{
			Id:          dm.Id,
			SenderId:    dm.SenderId,
			RecipientId: dm.RecipientId,
			Content:     dm.Content,
			Timestamp:   dm.CreatedAt,
		})
	}

	c.queueMessage(proto.NoErrOK(msg.Id, &proto.ResponseData{DMS: dms}))
}

func (cs *ChatServer) handleBan(c *Client, msg *proto.ClientMessage) {
	h := cs.requireReady(c, msg.Id)
	if h == nil {
		return
	}

	// the caller's access level is re-read from the store so a demotion
	// mid-session takes effect immediately
	caller, err := cs.db.GetAccountById(h.User.Id)
	if err != nil {
		cs.log.Println("GetAccountById:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}
	if caller.AccessLevel != string(types.AccessAdmin) {
		c.queueMessage(proto.ErrUnauthorized(msg.Id))
		return
	}

	targetId := msg.Ban.TargetId
	if targetId == h.User.Id {
		c.queueMessage(proto.ErrSelfBan(msg.Id))
		return
	}

	if _, err := cs.db.GetAccountById(targetId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(proto.ErrUserNotFound(msg.Id))
		} else {
			cs.log.Println("GetAccountById:", err)
			c.queueMessage(proto.ErrInternalError(msg.Id))
		}
		return
	}

	if err := cs.db.SetAccessLevel(targetId, string(types.AccessBanned)); err != nil {
		cs.log.Println("SetAccessLevel:", err)
		c.queueMessage(proto.ErrInternalError(msg.Id))
		return
	}

	// a live target is rejected on its next operation
	if target, ok := cs.presence.LookupUser(targetId); ok {
		target.Revoke()
	}

	cs.log.Printf("user %d banned by %d", targetId, h.User.Id)
	c.queueMessage(proto.NoErrOK(msg.Id, nil))
}

func toRoomMessages(dbMessages []database.RoomMessage) []types.RoomMessage {
	messages := make([]types.RoomMessage, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.RoomMessage{
			Id:        msg.Id,
			RoomId:    msg.RoomId,
			UserId:    msg.UserId,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt,
		})
	}
	return messages
}
