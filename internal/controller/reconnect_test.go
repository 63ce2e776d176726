package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyShouldReconnect(t *testing.T) {
	t.Parallel()

	p := DefaultReconnectPolicy()
	require.False(t, p.ShouldReconnect(nil, 0))
	require.True(t, p.ShouldReconnect(io.EOF, 0))
	require.True(t, p.ShouldReconnect(errors.New("connection reset"), 2))
	require.False(t, p.ShouldReconnect(errors.New("connection reset"), 3))
	require.False(t, p.ShouldReconnect(fmt.Errorf("recv: %w", context.Canceled), 0))
	require.True(t, p.ShouldReconnect(context.DeadlineExceeded, 0))

	none := ReconnectPolicy{}
	require.False(t, none.ShouldReconnect(io.EOF, 0))
}

func TestReconnectPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := ReconnectPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		full := time.Duration(float64(p.BaseDelay) * float64(int(1)<<attempt))
		if full > p.MaxDelay {
			full = p.MaxDelay
		}
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			require.LessOrEqual(t, d, full, "attempt %d", attempt)
		}
	}
	require.Zero(t, ReconnectPolicy{}.Backoff(0))
}
