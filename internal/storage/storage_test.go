package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStorage runs the contract the limiter relies on.
func exerciseStorage(t *testing.T, s fiber.Storage) {
	t.Helper()

	v, err := s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, v, "missing keys read as nil")

	buf := []byte("counter-1")
	require.NoError(t, s.Set("10.0.0.1", buf, time.Minute))
	buf[0] = 'X'

	v, err = s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("counter-1"), v, "stored value must not alias the caller's buffer")

	require.NoError(t, s.Set("10.0.0.1", []byte("counter-2"), time.Minute))
	v, err = s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("counter-2"), v)

	require.NoError(t, s.Delete("10.0.0.1"))
	v, err = s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set("10.0.0.2", []byte("a"), time.Minute))
	require.NoError(t, s.Reset())
	v, err = s.Get("10.0.0.2")
	require.NoError(t, err)
	assert.Nil(t, v)

	// empty keys and values are ignored rather than stored
	require.NoError(t, s.Set("", []byte("a"), time.Minute))
	require.NoError(t, s.Set("10.0.0.3", nil, time.Minute))
	v, err = s.Get("10.0.0.3")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRistrettoStorage(t *testing.T) {
	s, err := NewRistretto(1<<10, 1<<20, 64)
	require.NoError(t, err)
	defer s.Close()

	exerciseStorage(t, s)
}

func TestRistrettoStorageExpires(t *testing.T) {
	s, err := NewRistretto(1<<10, 1<<20, 64)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("k", []byte("v"), 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		v, _ := s.Get("k")
		return v == nil
	}, 3*time.Second, 25*time.Millisecond)
}

func TestRistrettoStorageHoldsMaxKeys(t *testing.T) {
	s, err := NewRistretto(100, 10, 64)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("10.0.0.%d", i)
		require.NoError(t, s.Set(key, []byte("a longer limiter record"), time.Minute), key)
	}
	for i := 0; i < 10; i++ {
		v, err := s.Get(fmt.Sprintf("10.0.0.%d", i))
		require.NoError(t, err)
		assert.NotNil(t, v, "every caller up to maxKeys keeps its counter")
	}
}

func TestRistrettoStorageReportsDroppedSet(t *testing.T) {
	s, err := NewRistretto(1<<10, 1<<10, 64)
	require.NoError(t, err)
	defer s.Close()

	err = s.Set("10.0.0.1", []byte("v"), -time.Second)
	require.ErrorIs(t, err, ErrNotStored)
}

// TestRedisStorage needs a live server; set FORMULAGATE_TEST_REDIS_ADDR to run it.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("FORMULAGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORMULAGATE_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedis(context.Background(), RedisConfig{Addr: addr, KeyPrefix: "formulagate:test:" + t.Name()})
	require.NoError(t, err)
	defer s.Close()

	exerciseStorage(t, s)
}

func newMiniRedis(t *testing.T, prefix string) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorageInProcess(t *testing.T) {
	s, _ := newMiniRedis(t, "formulagate:test")
	exerciseStorage(t, s)
}

func TestRedisStorageKeysAndExpiry(t *testing.T) {
	s, mr := newMiniRedis(t, "formulagate:test")

	require.NoError(t, s.Set("10.0.0.1", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("formulagate:test:10.0.0.1"), "keys carry the prefix and a separator")
	assert.Equal(t, time.Minute, mr.TTL("formulagate:test:10.0.0.1"))

	mr.FastForward(2 * time.Minute)
	v, err := s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRedisStorageResetKeepsForeignKeys(t *testing.T) {
	s, mr := newMiniRedis(t, "formulagate:ratelimit:")

	for i := 0; i < 300; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("10.0.%d.%d", i/256, i%256), []byte("v"), time.Minute))
	}
	require.NoError(t, mr.Set("sessions:abc", "keep"))

	require.NoError(t, s.Reset())
	assert.Equal(t, []string{"sessions:abc"}, mr.Keys())
}

func TestRedisStorageUnreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(context.Background(), Config{Kind: KindMemory})
	require.NoError(t, err)
	assert.Nil(t, s, "memory uses fiber's built-in storage")

	s, err = New(context.Background(), Config{Kind: KindRistretto})
	require.NoError(t, err)
	require.IsType(t, &Ristretto{}, s)
	require.NoError(t, s.Close())

	_, err = New(context.Background(), Config{Kind: "etcd"})
	require.Error(t, err)
}
