package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deskchat/internal/proto"
	"deskchat/internal/types"
)

var (
	// ErrDisconnected is the terminal state after reconnection attempts are
	// exhausted or the controller is closed.
	ErrDisconnected = errors.New("disconnected")
	// ErrAuthRevoked means the server rejected the session as banned; local
	// auth state has been dropped and the caller must re-run sign-in.
	ErrAuthRevoked = errors.New("authentication revoked")
)

// OpError is a non-transient operation failure surfaced to the caller
// without retrying.
type OpError struct {
	Code    int
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("server rejected operation (%d): %s", e.Code, e.Message)
}

const (
	// eight doubling attempts from the base backoff span over 90 seconds,
	// longer than the server's 60s liveness window, so a half-open prior
	// session expires before the retry budget does
	defaultMaxRetries  = 8
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
	defaultCallTimeout = 10 * time.Second
	sweepInterval      = 30 * time.Second
)

type Config struct {
	// URL is the ws endpoint, e.g. ws://host/ws.
	URL string
	// AuthToken is the session cookie value issued at sign-in.
	AuthToken   string
	DisplayName string
	Logger      *log.Logger
	MaxRetries  int
	BaseBackoff time.Duration
	CallTimeout time.Duration
}

// Controller owns one persistent connection and the local mirrors of the
// user's rooms and conversations. All exported operations round-trip
// through the connection and return once the server has replied.
type Controller struct {
	cfg    Config
	log    *log.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	nextId       int
	pending      map[int]chan *proto.Response
	me           types.User
	myRooms      map[int]*RoomView
	myDMS        map[int]*DMView
	activeRoomId int
	activeDMId   int
	dmPanel      bool
	foreground   bool
	carryOver    Snapshot
	logsFetched  map[int]time.Time
	revoked      bool
	closed       bool

	done     chan struct{}
	doneOnce sync.Once
	termErr  error
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	return &Controller{
		cfg:         cfg,
		log:         cfg.Logger,
		dialer:      websocket.DefaultDialer,
		pending:     make(map[int]chan *proto.Response),
		myRooms:     make(map[int]*RoomView),
		myDMS:       make(map[int]*DMView),
		logsFetched: make(map[int]time.Time),
		foreground:  true,
		done:        make(chan struct{}),
	}
}

// Restore primes the controller with the locally persisted snapshot before
// connecting, for instant paint and unread carry-over.
func (c *Controller) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carryOver = snap
}

// Export captures the persistable state for the next session.
func (c *Controller) Export() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		LastRoomId:  c.activeRoomId,
		UnreadRooms: make(map[int]int),
		UnreadDMS:   make(map[int]int),
	}
	for rid, rv := range c.myRooms {
		if rv.TotalUnread > 0 {
			snap.UnreadRooms[rid] = rv.TotalUnread
		}
	}
	for uid, dv := range c.myDMS {
		if dv.TotalUnread > 0 {
			snap.UnreadDMS[uid] = dv.TotalUnread
		}
	}
	return snap
}

// Connect dials the server, starts the read loop and the periodic unread
// sweep, and performs identity setup.
func (c *Controller) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.runSweep()

	return c.setup(ctx)
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Cookie", "token="+c.cfg.AuthToken)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.terminate(ErrDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Done is closed when the controller reaches its terminal disconnected
// state; Err reports why.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

func (c *Controller) User() types.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

// Rooms returns the current room views. The returned map shares the view
// pointers; callers treat them as read-only.
func (c *Controller) Rooms() map[int]*RoomView {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make(map[int]*RoomView, len(c.myRooms))
	for rid, rv := range c.myRooms {
		views[rid] = rv
	}
	return views
}

func (c *Controller) DMs() map[int]*DMView {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make(map[int]*DMView, len(c.myDMS))
	for uid, dv := range c.myDMS {
		views[uid] = dv
	}
	return views
}

func (c *Controller) terminate(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.termErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// call sends one request and blocks until its correlated response, the
// timeout, or disconnection.
func (c *Controller) call(ctx context.Context, msg *proto.ClientMessage) (*proto.Response, error) {
	c.mu.Lock()
	if c.revoked {
		c.mu.Unlock()
		return nil, ErrAuthRevoked
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.nextId++
	id := c.nextId
	ch := make(chan *proto.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg.Id = id
	msg.Timestamp = proto.Now()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.AuthRevoked {
			c.revokeAuth()
			return nil, ErrAuthRevoked
		}
		if resp.ResponseCode >= http.StatusBadRequest {
			return resp, &OpError{Code: resp.ResponseCode, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDisconnected
	}
}

func (c *Controller) dropPending(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// revokeAuth drops local auth state: the session is over, no retries.
func (c *Controller) revokeAuth() {
	c.mu.Lock()
	c.revoked = true
	c.cfg.AuthToken = ""
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.terminate(ErrAuthRevoked)
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	for {
		var msg proto.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleConnLoss(conn, err)
			return
		}

		switch {
		case msg.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[msg.Id]
			delete(c.pending, msg.Id)
			c.mu.Unlock()
			if ok {
				ch <- msg.Response
			}
		case msg.UpdateRoom != nil:
			c.mergeRoomUpdate(msg.UpdateRoom)
		case msg.ReceiveData != nil:
			c.mergeDMs(msg.ReceiveData.DMS)
		case msg.Reconnect:
			// transport signal: tear the connection down and let the
			// reconnect path run a fresh setup
			conn.Close()
		}
	}
}

// handleConnLoss runs bounded backoff reconnection. On success a fresh
// setup reconciles state; on exhaustion the controller surfaces a terminal
// disconnected state instead of retrying forever.
func (c *Controller) handleConnLoss(lost *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.revoked || c.conn != lost {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.log.Printf("connection lost: %v", cause)

	backoff := c.cfg.BaseBackoff
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}

		c.mu.Lock()
		if c.closed || c.revoked {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Printf("reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxRetries, err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)

		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		err = c.setup(ctx)
		cancel()
		if err != nil {
			c.log.Printf("setup after reconnect failed: %v", err)
			if errors.Is(err, ErrAuthRevoked) {
				return
			}
			// forget the connection before closing it so its read loop
			// does not start a second retry loop
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			continue
		}

		c.log.Printf("reconnected after %d attempt(s)", attempt)
		return
	}

	c.terminate(ErrDisconnected)
}

// setup performs the identity handshake, sending the unread carry-over and
// merging the returned snapshots into local state.
func (c *Controller) setup(ctx context.Context) error {
	carry := c.Export()
	c.mu.Lock()
	if c.carryOver.UnreadRooms != nil || c.carryOver.UnreadDMS != nil {
		for rid, n := range c.carryOver.UnreadRooms {
			carry.UnreadRooms[rid] += n
		}
		for uid, n := range c.carryOver.UnreadDMS {
			carry.UnreadDMS[uid] += n
		}
		c.carryOver = Snapshot{}
	}
	lastRoomId := c.activeRoomId
	c.mu.Unlock()

	resp, err := c.call(ctx, &proto.ClientMessage{
		SetupUser: &proto.SetupUser{
			DisplayName: c.cfg.DisplayName,
			LastRoomId:  lastRoomId,
			UnreadRooms: carry.UnreadRooms,
			UnreadDMS:   carry.UnreadDMS,
		},
	})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.User == nil {
		return errors.New("malformed setup response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.me = *resp.Data.User

	for rid, snap := range resp.Data.MyRooms {
		rv, ok := c.myRooms[rid]
		if !ok {
			rv = &RoomView{Id: rid, Messages: make(map[int]*MessageView)}
			c.myRooms[rid] = rv
		}
		rv.Name = snap.Room.Name
		// the server already merged our carry-over into this count; it
		// also floors recomputation until the room's history is local
		rv.TotalUnread = snap.Unread
		rv.seeded = snap.Unread
	}

	for uid, snap := range resp.Data.MyDMS {
		dv, ok := c.myDMS[uid]
		if !ok {
			dv = &DMView{UserId: uid, Messages: make(map[int]*DMMessageView)}
			c.myDMS[uid] = dv
		}
		dv.DisplayName = snap.User.DisplayName
		dv.Temp = false
		if snap.LastMessage != nil {
			dv.mergeMessages([]types.DirectMessage{*snap.LastMessage})
		}
		dv.TotalUnread = snap.Unread
		dv.seeded = snap.Unread
	}

	return nil
}

// JoinRoom joins the room and merges its history. A failed join (wrong
// password, missing room) leaves all local state untouched, so the user
// remains in the previous view.
func (c *Controller) JoinRoom(ctx context.Context, roomId int, password string) error {
	c.mu.Lock()
	var lastMsgTS *time.Time
	if rv, ok := c.myRooms[roomId]; ok {
		if ts := latestRoomTS(rv); !ts.IsZero() {
			lastMsgTS = &ts
		}
	}
	c.mu.Unlock()

	resp, err := c.call(ctx, &proto.ClientMessage{
		JoinRoom: &proto.JoinRoom{
			RoomId:      roomId,
			Password:    password,
			MakeCurrent: true,
			LastMsgTS:   lastMsgTS,
		},
	})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.Room == nil {
		return errors.New("malformed join response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rv, ok := c.myRooms[roomId]
	if !ok {
		rv = &RoomView{Id: roomId, Messages: make(map[int]*MessageView)}
		c.myRooms[roomId] = rv
	}
	rv.Name = resp.Data.Room.Name
	rv.mergeMessages(resp.Data.Messages)
	// history is local now, the snapshot floor no longer applies
	rv.seeded = 0

	c.activeRoomId = roomId
	c.dmPanel = false
	c.pruneTempDMsLocked()
	rv.recomputeUnread(c.me.Id, c.streamActiveLocked(rv.Id, false))

	return nil
}

func (c *Controller) CreateRoom(ctx context.Context, name, password string) (types.Room, error) {
	resp, err := c.call(ctx, &proto.ClientMessage{
		CreateRoom: &proto.CreateRoom{Name: name, Password: password},
	})
	if err != nil {
		return types.Room{}, err
	}
	if resp.Data == nil || resp.Data.Room == nil {
		return types.Room{}, errors.New("malformed create response")
	}

	room := *resp.Data.Room

	c.mu.Lock()
	defer c.mu.Unlock()

	c.myRooms[room.Id] = &RoomView{
		Id:       room.Id,
		Name:     room.Name,
		Messages: make(map[int]*MessageView),
	}
	c.activeRoomId = room.Id
	c.dmPanel = false
	c.pruneTempDMsLocked()

	return room, nil
}

func (c *Controller) DeleteRoom(ctx context.Context, roomId int) error {
	if _, err := c.call(ctx, &proto.ClientMessage{
		DeleteRoom: &proto.DeleteRoom{RoomId: roomId},
	}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.myRooms, roomId)
	if c.activeRoomId == roomId {
		c.activeRoomId = 0
	}
	return nil
}

// Send publishes to a room. The message appears locally only via the
// server echo; on error the caller keeps the text and can retry.
func (c *Controller) Send(ctx context.Context, roomId int, text string) error {
	_, err := c.call(ctx, &proto.ClientMessage{
		Publish: &proto.Publish{RoomId: roomId, Content: text},
	})
	return err
}

func (c *Controller) SendDM(ctx context.Context, recipientId int, text string) error {
	_, err := c.call(ctx, &proto.ClientMessage{
		SendDM: &proto.SendDM{RecipientId: recipientId, Content: text},
	})
	return err
}

func (c *Controller) Ban(ctx context.Context, targetId int) error {
	_, err := c.call(ctx, &proto.ClientMessage{
		Ban: &proto.Ban{TargetId: targetId},
	})
	return err
}

// OpenDM selects (creating if needed) the conversation with the given
// user. A conversation with no history starts temp and is pruned on the
// next navigation away from it.
func (c *Controller) OpenDM(userId int, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dv, ok := c.myDMS[userId]
	if !ok {
		dv = &DMView{
			UserId:      userId,
			DisplayName: displayName,
			Messages:    make(map[int]*DMMessageView),
			Temp:        true,
		}
		c.myDMS[userId] = dv
	}

	c.dmPanel = true
	c.activeDMId = userId
	c.pruneTempDMsLocked()
	dv.recomputeUnread(c.me.Id, c.streamActiveLocked(userId, true))
}

// OpenRoom selects a room view without a server round-trip (the room was
// already joined). No conversation is open afterwards, so every temp
// conversation is pruned.
func (c *Controller) OpenRoom(roomId int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dmPanel = false
	c.activeRoomId = roomId
	c.pruneTempDMsLocked()
	if rv, ok := c.myRooms[roomId]; ok {
		rv.recomputeUnread(c.me.Id, c.streamActiveLocked(roomId, false))
	}
}

// SetForeground tracks app-tab visibility; a backgrounded tab accrues
// unread even for the selected stream.
func (c *Controller) SetForeground(fg bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = fg
	c.sweepLocked()
}

// FetchDMHistory pulls the conversation history. Within one chat session a
// repeat fetch is skipped server-side via the tsLogsFetched watermark.
func (c *Controller) FetchDMHistory(ctx context.Context, userId int) error {
	c.mu.Lock()
	var since *time.Time
	if dv, ok := c.myDMS[userId]; ok {
		if ts := latestDMTS(dv); !ts.IsZero() {
			since = &ts
		}
	}
	var fetched *time.Time
	if ts, ok := c.logsFetched[userId]; ok {
		fetched = &ts
	}
	c.mu.Unlock()

	resp, err := c.call(ctx, &proto.ClientMessage{
		GetLogsDMS: &proto.GetLogsDMS{
			RecipientId:   userId,
			Since:         since,
			TsLogsFetched: fetched,
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.logsFetched[userId] = time.Now().UTC()
	if dv, ok := c.myDMS[userId]; ok {
		dv.seeded = 0
	}
	c.mu.Unlock()

	if resp.Data != nil && len(resp.Data.DMS) > 0 {
		c.mergeDMs(resp.Data.DMS)
	}
	return nil
}

func (c *Controller) mergeRoomUpdate(u *proto.UpdateRoom) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rv, ok := c.myRooms[u.RoomId]
	if !ok {
		rv = &RoomView{Id: u.RoomId, Messages: make(map[int]*MessageView)}
		c.myRooms[u.RoomId] = rv
	}

	if u.ActiveUsers != nil {
		rv.ActiveUsers = u.ActiveUsers
	}
	rv.mergeMessages(u.Messages)
	rv.recomputeUnread(c.me.Id, c.streamActiveLocked(rv.Id, false))
}

func (c *Controller) mergeDMs(dms []types.DirectMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dm := range dms {
		counterpartId := dm.SenderId
		if counterpartId == c.me.Id {
			counterpartId = dm.RecipientId
		}

		dv, ok := c.myDMS[counterpartId]
		if !ok {
			dv = &DMView{UserId: counterpartId, Messages: make(map[int]*DMMessageView)}
			c.myDMS[counterpartId] = dv
		}
		// an exchanged message makes the conversation permanent
		dv.Temp = false
		dv.mergeMessages([]types.DirectMessage{dm})
		dv.recomputeUnread(c.me.Id, c.streamActiveLocked(counterpartId, true))
	}
}

// streamActiveLocked reports whether the given stream is the one the user
// is actively viewing in a foregrounded tab.
func (c *Controller) streamActiveLocked(id int, dm bool) bool {
	if !c.foreground {
		return false
	}
	if dm {
		return c.dmPanel && c.activeDMId == id
	}
	return !c.dmPanel && c.activeRoomId == id
}

// pruneTempDMsLocked removes every temp conversation except the one
// currently open.
func (c *Controller) pruneTempDMsLocked() {
	for uid, dv := range c.myDMS {
		if !dv.Temp {
			continue
		}
		if c.dmPanel && c.activeDMId == uid {
			continue
		}
		delete(c.myDMS, uid)
	}
}

// runSweep periodically re-derives unread flags, catching messages that
// arrived while their stream was inactive but has since become the active
// one.
func (c *Controller) runSweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.sweepLocked()
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) sweepLocked() {
	for rid, rv := range c.myRooms {
		rv.recomputeUnread(c.me.Id, c.streamActiveLocked(rid, false))
	}
	for uid, dv := range c.myDMS {
		dv.recomputeUnread(c.me.Id, c.streamActiveLocked(uid, true))
	}
}

func latestRoomTS(rv *RoomView) time.Time {
	var latest time.Time
	for _, mv := range rv.Messages {
		if mv.Timestamp.After(latest) {
			latest = mv.Timestamp
		}
	}
	return latest
}

func latestDMTS(dv *DMView) time.Time {
	var latest time.Time
	for _, mv := range dv.Messages {
		if mv.Timestamp.After(latest) {
			latest = mv.Timestamp
		}
	}
	return latest
}
