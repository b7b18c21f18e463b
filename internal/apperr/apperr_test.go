package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(NotFound, "session %s not found", "abc")
	wrapped := fmt.Errorf("answer: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(nil, NotFound))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestPublicHidesInternalCause(t *testing.T) {
	kind, msg := Public(Wrap(Internal, errors.New("pq: connection refused"), "load session"))
	assert.Equal(t, Internal, kind)
	assert.Equal(t, "Internal server error", msg)

	kind, msg = Public(New(InsufficientResource, "no health left"))
	assert.Equal(t, InsufficientResource, kind)
	assert.Equal(t, "no health left", msg)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{InvalidState, http.StatusConflict},
		{InsufficientResource, http.StatusForbidden},
		{ValidationError, http.StatusBadRequest},
		{Exhausted, http.StatusUnprocessableEntity},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
