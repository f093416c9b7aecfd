package database

import "time"

type User struct {
	Id           int
	DisplayName  string
	EmailAddress string
	PasswordHash string
	AccessLevel  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id        int
	Name      string
	Password  string
	OwnerId   int
	CreatedAt time.Time
}

type Membership struct {
	Id        int
	AccountId int
	RoomId    int
	CreatedAt time.Time
}

type RoomMessage struct {
	Id        int
	RoomId    int
	UserId    int
	Content   string
	CreatedAt time.Time
}

type DirectMessage struct {
	Id          int
	SenderId    int
	RecipientId int
	Content     string
	CreatedAt   time.Time
}

type CreateAccountParams struct {
	DisplayName  string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name     string
	Password string
	OwnerId  int
}
