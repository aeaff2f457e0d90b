package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublicMessageMapsEverySentinel(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrInvalidInput, "invalid_input"},
		{ErrUnauthorized, "unauthorized"},
		{ErrRateLimited, "rate_limited"},
		{ErrVelocityExceeded, "velocity_exceeded"},
		{ErrCapacityExhausted, "try_later"},
		{ErrTimeout, "timeout"},
		{ErrUserRejected, "rejected"},
		{ErrIntegrityFailure, "integrity_failure"},
		{ErrDependencyUnavailable, "not_initialized"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PublicMessage(c.err))
	}
}

func TestPublicMessageUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("permission store: %w", ErrRateLimited)
	assert.Equal(t, "rate_limited", PublicMessage(wrapped))
}

func TestPublicMessageDefaultsOnUnknownError(t *testing.T) {
	assert.Equal(t, "not_initialized", PublicMessage(fmt.Errorf("something else")))
}
