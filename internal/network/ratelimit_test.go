package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLimiter_Disabled(t *testing.T) {
	var l *HostLimiter = NewHostLimiter(0, 5)
	assert.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background(), "https://example.com"))
}

func TestHostLimiter_PerHostBuckets(t *testing.T) {
	l := NewHostLimiter(1, 1)
	require.NotNil(t, l)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/one"))
	// A different host has its own bucket and is not delayed.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/one"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.Same(t, l.forHost("a.example"), l.forHost(hostOf("https://A.EXAMPLE/two")))
}

func TestHostLimiter_WaitHonorsContext(t *testing.T) {
	l := NewHostLimiter(0.001, 1)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://slow.example/"))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "https://slow.example/again"))
}
