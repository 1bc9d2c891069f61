package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	client, mr, cleanup := setupMiniredis(t)
	defer cleanup()
	ctx := context.Background()

	ledger := NewLedger(client, WithLedgerPrefix("test:"), WithLedgerTTL(time.Hour))

	state, err := ledger.Claim(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, state)
	assert.True(t, mr.Exists("test:f1"))
	assert.Equal(t, time.Hour, mr.TTL("test:f1"))

	// 尚未確認重送成功，重試必須再重送
	state, err = ledger.Claim(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ClaimUnpublished, state)

	require.NoError(t, ledger.MarkPublished(ctx, "f1"))
	state, err = ledger.Claim(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ClaimPublished, state)
	assert.Equal(t, time.Hour, mr.TTL("test:f1"))

	require.NoError(t, ledger.Release(ctx, "f1"))
	state, err = ledger.Claim(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, state)

	mr.FastForward(2 * time.Hour)
	state, err = ledger.Claim(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, state, "claim expires after ttl")
}

func TestLedger_RedisDown(t *testing.T) {
	client, mr, cleanup := setupMiniredis(t)
	defer cleanup()
	ledger := NewLedger(client)
	mr.Close()

	_, err := ledger.Claim(context.Background(), "f1")
	assert.Error(t, err)
	assert.Error(t, ledger.MarkPublished(context.Background(), "f1"))
}
