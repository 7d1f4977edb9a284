package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"auth", ErrInvalidToken, http.StatusUnauthorized},
		{"validation", Validation("bad", nil), http.StatusBadRequest},
		{"not sender", ErrNotSender, http.StatusForbidden},
		{"time limit", ErrTimeLimit, http.StatusForbidden},
		{"not found", ErrConversationNotFound, http.StatusNotFound},
		{"transient", Transient("redis down", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("send: %w", ErrConversationNotFound), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	err := fmt.Errorf("delete: %w", ErrTimeLimit)

	assert.True(t, errors.Is(err, ErrTimeLimit))
	assert.False(t, errors.Is(err, ErrNotSender))
	assert.Equal(t, KindAuthorization, KindOf(err))
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("presence unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.False(t, IsClientFacing(err))
	assert.Contains(t, err.Error(), "connection refused")
}
