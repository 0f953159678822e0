// Package storage provides fiber.Storage backends for the rate limiter's counters.
//
// The limiter persists one small encoded record per caller key with an
// expiration equal to its window. Backends only need to honor Get/Set/Delete
// with that expiration; they never interpret the value.
package storage

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Kind names a storage backend.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindRistretto Kind = "ristretto"
	KindRedis     Kind = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Kind  Kind
	Redis RedisConfig
}

// New builds the configured backend. KindMemory returns a nil Storage, which
// makes the limiter fall back to fiber's built-in in-memory store.
func New(ctx context.Context, cfg Config) (fiber.Storage, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return nil, nil
	case KindRistretto:
		s, err := NewRistretto(10*DefaultRistrettoKeys, DefaultRistrettoKeys, 64)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindRedis:
		s, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}
