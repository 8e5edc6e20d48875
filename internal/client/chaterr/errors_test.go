package chaterr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOfFollowsWrapping(t *testing.T) {
	base := &Error{Kind: RateLimited, Op: "send", Status: 429, RetryAfter: 2 * time.Second, Err: errors.New("slow down")}
	wrapped := fmt.Errorf("controller: %w", base)

	require.Equal(t, RateLimited, KindOf(wrapped))
	require.True(t, Is(wrapped, RateLimited))
	require.False(t, Retryable(wrapped))
	require.Equal(t, 2*time.Second, RetryAfter(wrapped))
	require.Contains(t, base.Error(), "status 429")
}

func TestUnknownForPlainErrors(t *testing.T) {
	require.Equal(t, Unknown, KindOf(errors.New("boom")))
	require.False(t, Is(nil, TransientNetwork))
	require.True(t, Retryable(New(TransientNetwork, "get", errors.New("reset"))))
}
