package proto

import (
	"net/http"
	"time"

	"deskchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the union of all client-initiated events. Exactly one of
// the event fields is set per message; Id correlates the server's response.
type ClientMessage struct {
	BaseMessage
	SetupUser  *SetupUser  `json:"setupUser,omitempty"`
	JoinRoom   *JoinRoom   `json:"joinRoom,omitempty"`
	CreateRoom *CreateRoom `json:"createRoom,omitempty"`
	DeleteRoom *DeleteRoom `json:"deleteRoom,omitempty"`
	Publish    *Publish    `json:"sendRoomMsg,omitempty"`
	SendDM     *SendDM     `json:"sendDM,omitempty"`
	GetLogsDMS *GetLogsDMS `json:"getLogsDMS,omitempty"`
	Ban        *Ban        `json:"ban,omitempty"`
}

type SetupUser struct {
	DisplayName string `json:"displayName"`
	LastRoomId  int    `json:"lastRoomId,omitempty"`
	// Carry-over unread counts from the client's persisted snapshot, keyed
	// by rid and counterpart uid. Merged additively with the store-derived
	// counts so a reconnect never under-counts.
	UnreadRooms map[int]int `json:"unreadRooms,omitempty"`
	UnreadDMS   map[int]int `json:"unreadDMS,omitempty"`
}

type JoinRoom struct {
	RoomId      int        `json:"rid"`
	Password    string     `json:"password,omitempty"`
	MakeCurrent bool       `json:"makeCurrent,omitempty"`
	LastMsgTS   *time.Time `json:"lastMsgTS,omitempty"`
}

type CreateRoom struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

type DeleteRoom struct {
	RoomId int `json:"rid"`
}

type Publish struct {
	RoomId  int    `json:"rid"`
	Content string `json:"content"`
}

type SendDM struct {
	RecipientId int    `json:"recipientUid"`
	Content     string `json:"content"`
}

type GetLogsDMS struct {
	RecipientId int        `json:"recipientUid"`
	Since       *time.Time `json:"since,omitempty"`
	// TsLogsFetched is the client's cached fetch watermark; when it is newer
	// than the server's session start the fetch is answered as a no-op.
	TsLogsFetched *time.Time `json:"tsLogsFetched,omitempty"`
}

type Ban struct {
	TargetId int `json:"targetUid"`
}

// ServerMessage is either a correlated response to a ClientMessage or a
// server-initiated push.
type ServerMessage struct {
	BaseMessage
	Response    *Response    `json:"response,omitempty"`
	UpdateRoom  *UpdateRoom  `json:"updateRoom,omitempty"`
	ReceiveData *ReceiveData `json:"receiveData,omitempty"`
	Reconnect   bool         `json:"reconnect,omitempty"`
}

type Response struct {
	ResponseCode int           `json:"response_code"`
	Error        string        `json:"error,omitempty"`
	AuthRevoked  bool          `json:"auth_revoked,omitempty"`
	Data         *ResponseData `json:"data,omitempty"`
}

type ResponseData struct {
	User     *types.User                `json:"user,omitempty"`
	Room     *types.Room                `json:"room,omitempty"`
	Messages []types.RoomMessage        `json:"messages,omitempty"`
	DMS      []types.DirectMessage      `json:"dms,omitempty"`
	MyRooms  map[int]types.RoomSnapshot `json:"myRooms,omitempty"`
	MyDMS    map[int]types.DMSnapshot   `json:"myDMS,omitempty"`
}

// UpdateRoom pushes new messages and/or a presence snapshot for one room to
// every connection currently present in it.
type UpdateRoom struct {
	RoomId      int                 `json:"rid"`
	Messages    []types.RoomMessage `json:"messages,omitempty"`
	ActiveUsers []types.User        `json:"activeUsers,omitempty"`
}

// ReceiveData pushes direct messages to the sender (echo) and, when
// connected, the recipient.
type ReceiveData struct {
	DMS []types.DirectMessage `json:"dms"`
}

func NoErrOK(id int, data *ResponseData) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errMessage(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

func ErrBadParams(id int, text string) *ServerMessage {
	return errMessage(id, http.StatusBadRequest, text)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "room not found")
}

func ErrUserNotFound(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "user not found")
}

func ErrNotReady(id int) *ServerMessage {
	return errMessage(id, http.StatusUnauthorized, "connection not ready")
}

func ErrUnauthorized(id int) *ServerMessage {
	return errMessage(id, http.StatusUnauthorized, "unauthorized")
}

// ErrAuthRevoked signals the client to drop local auth state and sign out.
func ErrAuthRevoked(id int) *ServerMessage {
	msg := errMessage(id, http.StatusUnauthorized, "access revoked")
	msg.Response.AuthRevoked = true
	return msg
}

func ErrUsernameTaken(id int) *ServerMessage {
	return errMessage(id, http.StatusConflict, "username taken")
}

func ErrWrongPassword(id int) *ServerMessage {
	return errMessage(id, http.StatusConflict, "wrong password")
}

func ErrSelfBan(id int) *ServerMessage {
	return errMessage(id, http.StatusConflict, "cannot ban yourself")
}

func ErrAlreadyConnected(id int) *ServerMessage {
	return errMessage(id, http.StatusConflict, "already connected elsewhere")
}

func ErrProtectedRoom(id int) *ServerMessage {
	return errMessage(id, http.StatusForbidden, "protected room")
}

func ErrInternalError(id int) *ServerMessage {
	return errMessage(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errMessage(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errMessage(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
