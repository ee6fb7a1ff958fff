package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewFromRedis(rdb, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestClient_SetGetJSON(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	var out payload
	hit, err := c.GetJSON(ctx, "missing", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.SetJSON(ctx, "k", payload{Name: "a", Count: 2}, 0))
	hit, err = c.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Name: "a", Count: 2}, out)

	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, c.SetJSON(ctx, "short", payload{}, 5*time.Second))
	mr.FastForward(6 * time.Second)
	hit, err = c.GetJSON(ctx, "short", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestClient_GetJSON_Corrupt(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("bad", "{not json"))

	var out payload
	hit, err := c.GetJSON(context.Background(), "bad", &out)
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestClient_DeleteByPattern(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"apps:u1:list", "apps:u1:one", "apps:u2:list"} {
		require.NoError(t, c.SetJSON(ctx, k, payload{}, 0))
	}

	require.NoError(t, c.DeleteByPattern(ctx, "apps:u1:*"))
	assert.False(t, mr.Exists("apps:u1:list"))
	assert.False(t, mr.Exists("apps:u1:one"))
	assert.True(t, mr.Exists("apps:u2:list"))

	require.NoError(t, c.DeleteByPattern(ctx, "  "))
}

func TestClient_Unavailable(t *testing.T) {
	ctx := context.Background()

	for name, c := range map[string]*Client{
		"nil":          nil,
		"disconnected": NewClient(&Config{Host: "127.0.0.1", Port: 1, DialTimeout: 100 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil))),
	} {
		t.Run(name, func(t *testing.T) {
			var out payload
			hit, err := c.GetJSON(ctx, "k", &out)
			assert.NoError(t, err)
			assert.False(t, hit)
			assert.NoError(t, c.SetJSON(ctx, "k", payload{}, 0))
			assert.NoError(t, c.DeleteByPattern(ctx, "*"))
			assert.Error(t, c.Ping(ctx))
			assert.NoError(t, c.Close())
		})
	}
}
