package degradation

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// CachedResponse is one stored prior result.
type CachedResponse struct {
	Key       string                 `json:"key"`
	Payload   interface{}            `json:"payload"`
	StoredAt  time.Time              `json:"stored_at"`
	TTL       time.Duration          `json:"ttl"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Size        int   `json:"size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// CachedConfig holds cached-response strategy configuration.
type CachedConfig struct {
	MaxCacheSize int           `json:"max_cache_size"`
	DefaultTTL   time.Duration `json:"default_ttl"`
	// Reasons this strategy will serve; nil means the default set.
	Reasons []Reason `json:"reasons,omitempty"`
}

// DefaultCachedConfig returns the default cached-response configuration.
func DefaultCachedConfig() CachedConfig {
	return CachedConfig{
		MaxCacheSize: 1000,
		DefaultTTL:   5 * time.Minute,
	}
}

var defaultCachedReasons = []Reason{
	ReasonAgentUnavailable,
	ReasonCircuitOpen,
	ReasonHighErrorRate,
	ReasonTimeoutExceeded,
	ReasonDependencyFailure,
}

// CachedResponseStrategy serves prior successful outputs when the primary
// path is unavailable. The cache is populated as a side effect of normal
// operation, not only during failures.
type CachedResponseStrategy struct {
	config CachedConfig

	mutex   sync.Mutex
	entries map[string]*CachedResponse
	stats   CacheStats

	logger *logging.Logger
}

// NewCachedResponseStrategy creates an empty cache strategy.
func NewCachedResponseStrategy(config CachedConfig) *CachedResponseStrategy {
	if config.MaxCacheSize <= 0 {
		config.MaxCacheSize = DefaultCachedConfig().MaxCacheSize
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultCachedConfig().DefaultTTL
	}
	if config.Reasons == nil {
		config.Reasons = defaultCachedReasons
	}
	return &CachedResponseStrategy{
		config:  config,
		entries: make(map[string]*CachedResponse),
		logger:  logging.GetLogger(),
	}
}

// Name implements Strategy.
func (s *CachedResponseStrategy) Name() string { return "cached-response" }

// Priority implements Strategy. Cached responses are preferred over
// simplified or static fallbacks.
func (s *CachedResponseStrategy) Priority() int { return 100 }

// CanHandle implements Strategy.
func (s *CachedResponseStrategy) CanHandle(dctx Context) bool {
	for _, r := range s.config.Reasons {
		if r == dctx.Reason {
			return true
		}
	}
	return false
}

// Execute implements Strategy. A hit within TTL returns the cached
// payload with its age; a miss is an error, signaling the manager to
// try the next strategy.
func (s *CachedResponseStrategy) Execute(ctx context.Context, dctx Context) (*Result, error) {
	key := CacheKey(dctx.Component, dctx.AgentName, dctx.Task, dctx.Request)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		return nil, errors.NewNotFoundError(fmt.Sprintf("cached response for %q", key))
	}

	age := time.Since(entry.StoredAt)
	if age > entry.TTL {
		// Stale entries are treated as misses and removed.
		delete(s.entries, key)
		s.stats.Expirations++
		s.stats.Misses++
		return nil, errors.NewNotFoundError(fmt.Sprintf("cached response for %q", key))
	}

	s.stats.Hits++
	return &Result{
		Output:    entry.Payload,
		FromCache: true,
		CacheAge:  age,
	}, nil
}

// CacheResponse stores a successful output under an explicit key. The
// payload is deep-cloned so the cache never aliases mutable caller state.
func (s *CachedResponseStrategy) CacheResponse(key string, payload interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	stored := s.clone(key, payload)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.purgeExpiredLocked()
	s.entries[key] = &CachedResponse{
		Key:      key,
		Payload:  stored,
		StoredAt: time.Now(),
		TTL:      ttl,
	}
	s.evictOldestLocked()
}

// CacheAgentResponse stores a successful agent invocation result, keyed
// by the same fingerprint a later degradation lookup will compute.
func (s *CachedResponseStrategy) CacheAgentResponse(component, agentName, task string, request, payload interface{}, ttl time.Duration) {
	s.CacheResponse(CacheKey(component, agentName, task, request), payload, ttl)
}

// Contains reports whether a live entry exists for the key.
func (s *CachedResponseStrategy) Contains(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	return time.Since(entry.StoredAt) <= entry.TTL
}

// Size returns the current entry count, including entries not yet purged.
func (s *CachedResponseStrategy) Size() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Stats returns a copy of the effectiveness counters.
func (s *CachedResponseStrategy) Stats() CacheStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats := s.stats
	stats.Size = len(s.entries)
	return stats
}

// Clear drops every cached entry.
func (s *CachedResponseStrategy) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = make(map[string]*CachedResponse)
}

// Export snapshots the live entries for warm-restart scenarios. This is
// a convenience, not a durability guarantee.
func (s *CachedResponseStrategy) Export() ([]byte, error) {
	s.mutex.Lock()
	entries := make([]*CachedResponse, 0, len(s.entries))
	for _, e := range s.entries {
		if time.Since(e.StoredAt) <= e.TTL {
			entries = append(entries, e)
		}
	}
	s.mutex.Unlock()

	return json.Marshal(entries)
}

// Import restores entries produced by Export, skipping ones that have
// expired in the interim.
func (s *CachedResponseStrategy) Import(data []byte) error {
	var entries []*CachedResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.NewValidationError("invalid cache export payload").WithCause(err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, e := range entries {
		if e.Key == "" || time.Since(e.StoredAt) > e.TTL {
			continue
		}
		s.entries[e.Key] = e
	}
	s.evictOldestLocked()
	return nil
}

// purgeExpiredLocked removes entries past their TTL. Callers hold the mutex.
func (s *CachedResponseStrategy) purgeExpiredLocked() {
	now := time.Now()
	for key, entry := range s.entries {
		if now.Sub(entry.StoredAt) > entry.TTL {
			delete(s.entries, key)
			s.stats.Expirations++
		}
	}
}

// evictOldestLocked drops oldest-by-write entries until the cache fits.
// Callers hold the mutex.
func (s *CachedResponseStrategy) evictOldestLocked() {
	for len(s.entries) > s.config.MaxCacheSize {
		var oldestKey string
		var oldestAt time.Time
		for key, entry := range s.entries {
			if oldestKey == "" || entry.StoredAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.StoredAt
			}
		}
		delete(s.entries, oldestKey)
		s.stats.Evictions++
	}
}

// clone deep-copies the payload via a JSON round trip. When the payload
// does not survive serialization the original reference is stored with a
// logged warning; serving a shared reference is acceptable degraded
// behavior, losing the fallback is not.
func (s *CachedResponseStrategy) clone(key string, payload interface{}) interface{} {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("Failed to clone payload for cache, storing original reference",
			"key", key,
			"error", err.Error(),
		)
		return payload
	}

	var cloned interface{}
	if err := json.Unmarshal(data, &cloned); err != nil {
		s.logger.Warn("Failed to clone payload for cache, storing original reference",
			"key", key,
			"error", err.Error(),
		)
		return payload
	}
	return cloned
}

// CacheKey builds the lookup fingerprint: component + agent/task identity
// + a stable hash of the serialized request. Field ordering inside the
// request is not canonicalized; semantically equal requests serialized
// differently may miss, which is safe.
func CacheKey(component, agentName, task string, request interface{}) string {
	h := fnv.New64a()
	if request != nil {
		if data, err := json.Marshal(request); err == nil {
			h.Write(data)
		} else {
			h.Write([]byte(fmt.Sprintf("%v", request)))
		}
	}
	return fmt.Sprintf("%s:%s:%s:%x", component, agentName, task, h.Sum64())
}
