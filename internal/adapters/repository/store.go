// Package repository defines the key/structure store used for device state.
package repository

import (
	"context"
	"strings"
)

// Member is one sorted-set element.
type Member struct {
	Score int64
	Value string
}

// Store is the persistence contract shared by every backend. It exposes
// scalar blobs, unordered sets and score-ordered sets.
type Store interface {
	// Get returns ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// SAdd returns the number of members that were not already present.
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd inserts member or moves it to score.
	ZAdd(ctx context.Context, key string, score int64, member string) error
	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max int64) ([]Member, error)
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key helpers for the device layout.

func TenantKey(deviceKey string) string  { return "device:tenant:" + deviceKey }
func RegistryKey(tenantID string) string { return "tenant:" + tenantID + ":devices" }
func LatestKey(deviceID string) string   { return "device:latest:" + deviceID }
func HistoryKey(deviceID string) string  { return "device:history:" + deviceID }

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "\x00\n")
}
