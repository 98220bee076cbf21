// Package statestore holds the gateway's volatile anti-abuse state: rate
// windows, dedup claims, risk profiles and CAPTCHA challenges.
//
// Two implementations exist. MemoryStore serves a single instance; RedisStore
// lets several gateway instances share the same windows. Everything kept here
// may be lost on restart without affecting payout correctness.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// UpdateFunc computes the next value of a key from its current one. Returning
// a nil slice deletes the key.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Update runs fn atomically with respect to other writers of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)
	// Throttle checks every key for an accepted event within gap of now. If any
	// key is still inside its window the longest remaining wait is returned and
	// nothing is written; otherwise all keys are stamped with now in one step.
	Throttle(ctx context.Context, keys []string, now time.Time, gap, ttl time.Duration) (time.Duration, error)
	// SweepExpired drops entries past their TTL and returns how many went.
	SweepExpired(ctx context.Context) (int, error)
	Close() error
}

// ErrAbort can be returned from an UpdateFunc to leave the key untouched.
var ErrAbort = errors.New("statestore: update aborted")

// GetJSON decodes the value at key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
