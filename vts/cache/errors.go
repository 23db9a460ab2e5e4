package cache

import (
	"errors"
	"fmt"
)

// Common error types used across the cache packages
var (
	ErrCacheIncomplete = errors.New("cache build is not complete")
	ErrManifestCorrupt = errors.New("manifest is corrupt")
	ErrChunkCorrupt    = errors.New("chunk is corrupt")
	ErrProcessor       = errors.New("processor error")
	ErrRowOutOfRange   = errors.New("row index out of range")
	ErrTokenOutOfRange = errors.New("token index out of range")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrShardFailed     = errors.New("shard failed")
)

// ShardError records the failure of a single shard during a build.
// Failures are isolated: other shards keep building, and AwaitFinished
// aggregates every ShardError into one joined error.
type ShardError struct {
	Shard string
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Shard, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrShardFailed) match any shard failure
// regardless of its underlying cause.
func (e *ShardError) Is(target error) bool { return target == ErrShardFailed }
