package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyGarminError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		fallback error
		want     error
	}{
		{"forbidden during upload", errors.New("Forbidden (403)"), ErrUploadRejected, ErrAuthenticationFailed},
		{"unauthorized during delete", errors.New("401 Unauthorized"), ErrNetwork, ErrAuthenticationFailed},
		{"missing activity", errors.New("activity not found"), ErrNetwork, ErrNotFound},
		{"throttled", errors.New("429 Too Many Requests"), ErrNetwork, ErrRateLimited},
		{"opaque upload failure", errors.New("invalid fit file"), ErrUploadRejected, ErrUploadRejected},
		{"opaque transport failure", errors.New("connection reset by peer"), ErrNetwork, ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyGarminError(tc.err, tc.fallback)
			assert.ErrorIs(t, got, tc.want)
		})
	}
}

func TestClassifiedAuthFailureIsNotTransient(t *testing.T) {
	// A stale session must surface immediately, not burn retry attempts.
	err := classifyGarminError(errors.New("403 Forbidden"), ErrNetwork)
	assert.False(t, Transient(err))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
