package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) SetAccessLevel(accountId int, level string) error {
	args := m.Called(accountId, level)
	return args.Error(0)
}

func (m *MockChatRepository) GetRoom(roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockChatRepository) CreateMembership(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}

func (m *MockChatRepository) MembershipExists(accountId, roomId int) bool {
	args := m.Called(accountId, roomId)
	return args.Bool(0)
}

func (m *MockChatRepository) DeleteMembership(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}

func (m *MockChatRepository) ListMemberships(accountId int) ([]Room, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Room), args.Error(1)
}

func (m *MockChatRepository) CreateRoomMessage(msg RoomMessage) (RoomMessage, error) {
	args := m.Called(msg)
	return args.Get(0).(RoomMessage), args.Error(1)
}

func (m *MockChatRepository) GetRoomMessagesSince(roomId int, since time.Time) ([]RoomMessage, error) {
	args := m.Called(roomId, since)
	return args.Get(0).([]RoomMessage), args.Error(1)
}

func (m *MockChatRepository) CreateDirectMessage(dm DirectMessage) (DirectMessage, error) {
	args := m.Called(dm)
	return args.Get(0).(DirectMessage), args.Error(1)
}

func (m *MockChatRepository) GetDirectMessagesBetween(accountId, counterpartId int, since time.Time) ([]DirectMessage, error) {
	args := m.Called(accountId, counterpartId, since)
	return args.Get(0).([]DirectMessage), args.Error(1)
}

func (m *MockChatRepository) GetLatestDirectMessages(accountId int) ([]DirectMessage, error) {
	args := m.Called(accountId)
	return args.Get(0).([]DirectMessage), args.Error(1)
}
