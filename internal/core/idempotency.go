package core

import (
	"time"

	"CoverLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Dedup tiers, reported as the "tier" metric label.
const (
	tierLRU      = "lru"
	tierPostgres = "postgres"
)

// DBIdempotencyChecker looks a key up in the persisted command log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker dedups by (command type, key): an in-memory LRU first,
// then the command log on a miss.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("dedup"),
	}
	ic.lru = NewIdempotencyLRU(capacity, func() {
		if metrics != nil {
			metrics.DedupLRUEvictions.Inc()
		}
	})
	return ic
}

// CompositeKey is the LRU key for a command.
func CompositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate reports whether the key was already processed and which tier
// found it. A failing tier-2 lookup counts as a miss; the command log's
// unique index still rejects the second insert.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, string) {
	key := CompositeKey(commandType, idempotencyKey)
	if ic.lru.Contains(key) {
		return true, tierLRU
	}
	if ic.dbChecker == nil {
		return false, ""
	}

	start := time.Now()
	dup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		ic.logger.Warn().Err(err).Str("command_type", commandType).Msg("tier-2 dedup lookup failed")
		return false, ""
	}
	if !dup {
		return false, ""
	}
	ic.lru.Add(key)
	return true, tierPostgres
}

// MarkProcessed records a logged command's key.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(commandType, idempotencyKey))
}

// IdempotencyLRU is a bounded set of composite keys.
type IdempotencyLRU struct {
	cache *lru.Cache[string, struct{}]
}

// NewIdempotencyLRU builds the set. onEvict may be nil.
func NewIdempotencyLRU(capacity int, onEvict func()) *IdempotencyLRU {
	var cb func(string, struct{})
	if onEvict != nil {
		cb = func(string, struct{}) { onEvict() }
	}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, cb)
	if err != nil {
		panic("idempotency lru: " + err.Error())
	}
	return &IdempotencyLRU{cache: cache}
}

// Contains reports membership and marks the key recently used.
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

func (l *IdempotencyLRU) Add(key string) {
	l.cache.Add(key, struct{}{})
}

// WarmFromKeys loads keys oldest first. Keys already present keep their
// position.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.cache.ContainsOrAdd(key, struct{}{})
	}
}

// GetAllKeys returns keys from oldest to newest.
func (l *IdempotencyLRU) GetAllKeys() []string {
	return l.cache.Keys()
}

func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}
