package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// inflightTTL caps how long a Redis mirror entry outlives a crashed process.
const inflightTTL = 30 * time.Minute

// inflightSet serializes verifications per (chain, address). The in-memory
// map is authoritative; Redis only mirrors the state for operator visibility
// across instances and is best-effort.
type inflightSet struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	redis  *redis.Client
	logger *slog.Logger
}

func newInflightSet(redisClient *redis.Client, logger *slog.Logger) *inflightSet {
	return &inflightSet{
		keys:   make(map[string]struct{}),
		redis:  redisClient,
		logger: logger,
	}
}

func inflightKey(chainID int64, address common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, address.Hex())
}

// Acquire reserves the key. Returns false if a verification for it is already
// in flight.
func (s *inflightSet) Acquire(ctx context.Context, chainID int64, address common.Address) bool {
	key := inflightKey(chainID, address)

	s.mu.Lock()
	if _, busy := s.keys[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Set(ctx, "verifier:inflight:"+key, time.Now().Format(time.RFC3339), inflightTTL).Err(); err != nil {
			s.logger.Warn("inflight redis mirror set failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}

// Release frees the key. Safe to call once per successful Acquire.
func (s *inflightSet) Release(ctx context.Context, chainID int64, address common.Address) {
	key := inflightKey(chainID, address)

	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Del(ctx, "verifier:inflight:"+key).Err(); err != nil {
			s.logger.Warn("inflight redis mirror del failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Len returns the number of in-flight verifications.
func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
