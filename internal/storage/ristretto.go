package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ErrNotStored is returned when ristretto declines to keep a counter. The
// limiter then treats the caller as new, so the cache must be sized for the
// expected number of distinct callers.
var ErrNotStored = errors.New("storage: ristretto did not keep the entry")

// DefaultRistrettoKeys is the number of distinct callers the default
// ristretto backend holds before it starts evicting counters.
const DefaultRistrettoKeys = 1 << 18

// Ristretto is an in-process fiber.Storage. Every entry costs 1, so maxKeys
// bounds the number of callers tracked at once. When full, ristretto's
// admission policy may evict an older counter or refuse a new one.
type Ristretto struct {
	cache *ristretto.Cache
}

// NewRistretto builds a cache for up to maxKeys counters. numCounters should
// be about ten times maxKeys.
func NewRistretto(numCounters, maxKeys int64, bufferItems int64) (*Ristretto, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        numCounters,
		MaxCost:            maxKeys,
		BufferItems:        bufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &Ristretto{cache: cache}, nil
}

func (r *Ristretto) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, nil
	}
	b, _ := v.([]byte)
	return b, nil
}

// Set stores a copy of val; fiber may reuse the caller's buffer.
func (r *Ristretto) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	buf := make([]byte, len(val))
	copy(buf, val)
	if !r.cache.SetWithTTL(key, buf, 1, exp) {
		return fmt.Errorf("%w: %q", ErrNotStored, key)
	}
	// ensure visibility for the next request from the same key (ristretto is async)
	r.cache.Wait()
	// admission runs asynchronously and may still have refused the entry
	if _, ok := r.cache.Get(key); !ok {
		return fmt.Errorf("%w: %q", ErrNotStored, key)
	}
	return nil
}

func (r *Ristretto) Delete(key string) error {
	if key == "" {
		return nil
	}
	r.cache.Del(key)
	return nil
}

func (r *Ristretto) Reset() error {
	r.cache.Clear()
	return nil
}

func (r *Ristretto) Close() error {
	r.cache.Close()
	return nil
}
