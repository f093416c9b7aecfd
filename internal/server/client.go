package server

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"deskchat/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type connState int32

const (
	stateUnauthenticated connState = iota
	stateAuthenticating
	stateReady
	stateDisconnected
)

// Client is the server-side end of one persistent connection. Its read pump
// dispatches inbound events one at a time, so per-connection operations are
// serialized.
type Client struct {
	connId     string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	userId     int
	session    *SessionHandle
	connState  atomic.Int32
	send       chan *proto.ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(userId int, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	connId, err := shortid.Generate()
	if err != nil {
		// the default generator only fails on clock skew; fall back to a
		// time-derived id rather than refusing the connection
		connId = time.Now().UTC().Format("20060102150405.000000000")
	}

	return &Client{
		connId:     connId,
		conn:       conn,
		chatServer: cs,
		log:        l,
		userId:     userId,
		send:       make(chan *proto.ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) state() connState {
	return connState(c.connState.Load())
}

func (c *Client) setState(s connState) {
	c.connState.Store(int32(s))
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write pump for %s exiting", c.connId)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read pump for %s exiting", c.connId)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg proto.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(proto.ErrInvalidMessage(-1))
			continue
		}

		// the server clock is authoritative for message timestamps
		msg.Timestamp = proto.Now()

		c.chatServer.dispatch(c, &msg)
	}
}

func (c *Client) queueMessage(msg *proto.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send channel full on %s, dropping message", c.connId)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs on every disconnect, graceful or abrupt: the presence
// registry entry is removed and the session forced out of its room before
// the connection is forgotten.
func (c *Client) cleanup() {
	c.setState(stateDisconnected)
	c.chatServer.presence.Unregister(c.connId)
	c.chatServer.removeClient(c)
	c.stopClient()
}
