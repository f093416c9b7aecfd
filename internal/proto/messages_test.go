package proto

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"deskchat/internal/types"
)

func TestNoErrOK(t *testing.T) {
	data := &ResponseData{
		User: &types.User{Id: 42, DisplayName: "testuser"},
	}

	result := NoErrOK(1, data)

	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, data, result.Response.Data, "expected Data to match")
}

func TestNoErrAccepted(t *testing.T) {
	result := NoErrAccepted(7)

	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 7, result.Id, "expected Id to match")
	assert.Equal(t, http.StatusAccepted, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Empty(t, result.Response.Error, "expected no error text")
}

func TestErrAuthRevoked(t *testing.T) {
	result := ErrAuthRevoked(3)

	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, http.StatusUnauthorized, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.True(t, result.Response.AuthRevoked, "expected auth revoked flag to be set")
	assert.Equal(t, "access revoked", result.Response.Error, "expected Error message to match")
}

func TestErrorHelpers(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
		text string
	}{
		{"room not found", ErrRoomNotFound(1), http.StatusNotFound, "room not found"},
		{"user not found", ErrUserNotFound(1), http.StatusNotFound, "user not found"},
		{"not ready", ErrNotReady(1), http.StatusUnauthorized, "connection not ready"},
		{"username taken", ErrUsernameTaken(1), http.StatusConflict, "username taken"},
		{"wrong password", ErrWrongPassword(1), http.StatusConflict, "wrong password"},
		{"self ban", ErrSelfBan(1), http.StatusConflict, "cannot ban yourself"},
		{"already connected", ErrAlreadyConnected(1), http.StatusConflict, "already connected elsewhere"},
		{"protected room", ErrProtectedRoom(1), http.StatusForbidden, "protected room"},
		{"internal error", ErrInternalError(1), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotNil(t, tc.msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, tc.msg.Id, "expected Id to match")
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode, "expected ResponseCode to match")
			assert.Equal(t, tc.text, tc.msg.Response.Error, "expected Error message to match")
		})
	}
}

func TestErrInvalidMessage(t *testing.T) {
	result := ErrInvalidMessage(-1)
	assert.Equal(t, 0, result.Id, "expected Id to be zero for unparseable messages")
	assert.Equal(t, http.StatusBadRequest, result.Response.ResponseCode, "expected ResponseCode to match")

	resultWithId := ErrInvalidMessage(42)
	assert.Equal(t, 42, resultWithId.Id, "expected Id to match")
}
