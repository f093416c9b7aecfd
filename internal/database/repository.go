package database

import "time"

// ChatRepository is the durable store contract. The in-memory registries in
// internal/server are a cache over it and must always be reconstructable by
// re-querying these operations.
type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	SetAccessLevel(accountId int, level string) error
	GetRoom(roomId int) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	CreateMembership(accountId, roomId int) error
	MembershipExists(accountId, roomId int) bool
	DeleteMembership(accountId, roomId int) error
	ListMemberships(accountId int) ([]Room, error)
	CreateRoomMessage(msg RoomMessage) (RoomMessage, error)
	GetRoomMessagesSince(roomId int, since time.Time) ([]RoomMessage, error)
	CreateDirectMessage(dm DirectMessage) (DirectMessage, error)
	GetDirectMessagesBetween(accountId, counterpartId int, since time.Time) ([]DirectMessage, error)
	GetLatestDirectMessages(accountId int) ([]DirectMessage, error)
}
