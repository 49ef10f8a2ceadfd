package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	redis.Cmdable
	values map[string]string
	down   bool
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.down {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.down {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	f.values[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	n := 0
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(int64(n), nil)
}

type countingRedirector struct {
	targets map[string]string
	calls   int
}

func (c *countingRedirector) Redirect(ctx context.Context, id string) (string, error) {
	c.calls++
	t, ok := c.targets[id]
	if !ok {
		return "", errors.New("not found")
	}
	return t, nil
}

func TestRedirectsReadThrough(t *testing.T) {
	rdb := &fakeRedis{values: map[string]string{}}
	next := &countingRedirector{targets: map[string]string{"software/b": "software/a"}}
	r := NewRedirects(rdb, next, time.Minute)
	ctx := context.Background()

	for range 3 {
		got, err := r.Redirect(ctx, "software/b")
		require.NoError(t, err)
		assert.Equal(t, "software/a", got)
	}
	assert.Equal(t, 1, next.calls)

	require.NoError(t, r.Forget(ctx, "software/b"))
	next.targets["software/b"] = "software/b"
	got, err := r.Redirect(ctx, "software/b")
	require.NoError(t, err)
	assert.Equal(t, "software/b", got)
	assert.Equal(t, 2, next.calls)
}

func TestRedirectsFallBackWhenRedisIsDown(t *testing.T) {
	next := &countingRedirector{targets: map[string]string{"persons/2": "persons/1"}}
	r := NewRedirects(&fakeRedis{values: map[string]string{}, down: true}, next, time.Minute)

	got, err := r.Redirect(context.Background(), "persons/2")
	require.NoError(t, err)
	assert.Equal(t, "persons/1", got)
}

func TestRedirectsPassLookupErrors(t *testing.T) {
	r := NewRedirects(&fakeRedis{values: map[string]string{}}, &countingRedirector{}, time.Minute)
	_, err := r.Redirect(context.Background(), "persons/404")
	assert.Error(t, err)
}
