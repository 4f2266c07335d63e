package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/gateway/wompitest"
)

func TestCachedBanks(t *testing.T) {
	srv := wompitest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv.URL)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cached := NewCachedBanks(client, rdb, time.Hour, zap.NewNop())
	ctx := context.Background()

	first, err := cached.ListPSEBanks(ctx)
	require.NoError(t, err)
	second, err := cached.ListPSEBanks(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.Calls("GET /pse/financial_institutions"))
	assert.True(t, mr.Exists("pse_banks:wompi"))

	mr.FastForward(2 * time.Hour)
	_, err = cached.ListPSEBanks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls("GET /pse/financial_institutions"))
}

func TestCachedBanks_RedisDown(t *testing.T) {
	srv := wompitest.NewServer()
	defer srv.Close()
	client, _ := newTestClient(t, srv.URL)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	banks, err := NewCachedBanks(client, rdb, time.Hour, zap.NewNop()).ListPSEBanks(context.Background())
	require.NoError(t, err)
	assert.Len(t, banks, 3)
}
