package types

import (
	"time"
)

type AccessLevel string

const (
	AccessNormal AccessLevel = "normal"
	AccessAdmin  AccessLevel = "admin"
	AccessBanned AccessLevel = "banned"
)

type User struct {
	Id          int         `json:"id"`
	DisplayName string      `json:"display_name"`
	AccessLevel AccessLevel `json:"access_level,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type RoomMessage struct {
	Id        int       `json:"id"`
	RoomId    int       `json:"room_id"`
	UserId    int       `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type DirectMessage struct {
	Id          int       `json:"id"`
	SenderId    int       `json:"sender_id"`
	RecipientId int       `json:"recipient_id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// RoomSnapshot is the per-room entry of a setup response: room metadata plus
// the unread count merged from the client's carry-over and the store-derived
// count.
type RoomSnapshot struct {
	Room   Room `json:"room"`
	Unread int  `json:"unread"`
}

// DMSnapshot is the per-counterpart entry of a setup response.
type DMSnapshot struct {
	User        User           `json:"user"`
	LastMessage *DirectMessage `json:"last_message,omitempty"`
	Unread      int            `json:"unread"`
}
