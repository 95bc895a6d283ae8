package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_Explicit(t *testing.T) {
	err := NewTransientError(errors.New("http 503"), 503)
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", err)))
}

func TestIsTransient_PermanentWins(t *testing.T) {
	inner := NewTransientError(errors.New("looks flaky"), 500)
	err := NewPermanentError(inner)
	assert.False(t, IsTransient(err))
	assert.True(t, IsPermanent(err))
}

func TestIsTransient_StringHeuristics(t *testing.T) {
	tests := []struct {
		msg       string
		transient bool
	}{
		{"read tcp: connection reset by peer", true},
		{"dial tcp: i/o timeout", true},
		{"lookup portal.example: no such host", true},
		{"parcel number missing", false},
		{"invalid WKT geometry", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(errors.New(tt.msg)))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
