package memory

import (
	"context"
	"hash/fnv"
	"math/bits"
	"sync"
	"time"

	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultShards is the shard count used when Config.Shards is unset.
const DefaultShards = 64

// Config configures the in-memory store behaviour.
type Config struct {
	// Shards is rounded up to the next power of two.
	Shards int
	// Cipher encrypts payloads at rest. A nil Cipher stores plaintext.
	Cipher *storage.Cipher
	Clock  clock.Clock
	Logger pslog.Logger
}

// Store implements storage.Store with a fixed array of mutex guarded maps.
// Operations on one key serialise on its shard; different shards proceed in
// parallel.
type Store struct {
	shards  []shard
	mask    uint32
	cipher  *storage.Cipher
	clock   clock.Clock
	logger  pslog.Logger
	metrics *storeMetrics
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*storage.Entry
}

var _ storage.Store = (*Store)(nil)

// New returns a ready to use plaintext store with default settings.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	count := normalizeShards(cfg.Shards)
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.StoreMemory)
	s := &Store{
		shards: make([]shard, count),
		mask:   uint32(count - 1),
		cipher: cfg.Cipher,
		clock:  cfg.Clock,
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*storage.Entry)
	}
	s.metrics = newStoreMetrics(logger)
	s.metrics.registerStore(s)
	return s
}

func normalizeShards(n int) int {
	if n <= 0 {
		n = DefaultShards
	}
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len(uint(n))
}

// ShardCount reports the effective number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()&s.mask]
}

// Set stores payload under key. See storage.Store.
func (s *Store) Set(ctx context.Context, key string, payload []byte, contentType string) (storage.Entry, bool, error) {
	if contentType == "" {
		contentType = storage.DetectContentType(payload)
	}
	data := s.cipher.Encrypt(payload)

	sh := s.shardFor(key)
	sh.mu.Lock()
	now := s.clock.Now()
	current, exists := sh.entries[key]
	if !exists {
		sh.entries[key] = &storage.Entry{
			Data:        data,
			ContentType: contentType,
			CreatedAt:   now,
			UpdatedAt:   now,
			UpdateCount: 1,
		}
		sh.mu.Unlock()
		s.metrics.recordOperation(ctx, "set", "created")
		return storage.Entry{}, false, nil
	}
	prev := current.Clone()
	if !current.Locked {
		current.Data = data
		current.ContentType = contentType
	}
	current.UpdatedAt = now
	current.UpdateCount++
	sh.mu.Unlock()

	if prev.Locked {
		s.metrics.recordOperation(ctx, "set", "locked")
	} else {
		s.metrics.recordOperation(ctx, "set", "updated")
	}
	out, err := s.decryptEntry(ctx, key, prev)
	if err != nil {
		return storage.Entry{}, true, err
	}
	return out, true, nil
}

// Get returns a plaintext copy of the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	current, ok := sh.entries[key]
	var snapshot storage.Entry
	if ok {
		snapshot = current.Clone()
	}
	sh.mu.RUnlock()
	if !ok {
		s.metrics.recordOperation(ctx, "get", "missing")
		return storage.Entry{}, false, nil
	}
	out, err := s.decryptEntry(ctx, key, snapshot)
	if err != nil {
		s.metrics.recordOperation(ctx, "get", "error")
		return storage.Entry{}, true, err
	}
	s.metrics.recordOperation(ctx, "get", "hit")
	return out, true, nil
}

// SwitchLock sets the lock flag on key and reports whether it changed.
func (s *Store) SwitchLock(ctx context.Context, key string, locked bool) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.entries[key]
	if !ok || current.Locked == locked {
		s.metrics.recordOperation(ctx, "switch_lock", "unchanged")
		return false
	}
	current.Locked = locked
	current.UpdatedAt = s.clock.Now()
	current.UpdateCount++
	s.metrics.recordOperation(ctx, "switch_lock", "changed")
	return true
}

// IncrementOrDecrement adds delta to the numeric payload stored under key.
func (s *Store) IncrementOrDecrement(ctx context.Context, key string, delta float64) (float64, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.entries[key]
	if !ok {
		s.metrics.recordOperation(ctx, "increment", "missing")
		return 0, false, nil
	}
	if current.Locked {
		s.metrics.recordOperation(ctx, "increment", "locked")
		return 0, false, storage.ErrLocked
	}
	plain, err := s.cipher.Decrypt(current.Data)
	if err != nil {
		s.logDecryptFailure(key, err)
		s.metrics.recordOperation(ctx, "increment", "error")
		return 0, false, err
	}
	value, ok := storage.ParseNumber(plain)
	if !ok {
		s.metrics.recordOperation(ctx, "increment", "non_numeric")
		return 0, false, nil
	}
	value += delta
	if !storage.IsFinite(value) {
		s.metrics.recordOperation(ctx, "increment", "overflow")
		return 0, false, nil
	}
	current.Data = s.cipher.Encrypt([]byte(storage.FormatNumber(value)))
	current.UpdatedAt = s.clock.Now()
	current.UpdateCount++
	s.metrics.recordOperation(ctx, "increment", "applied")
	return value, true, nil
}

// SetExpiration records now+ttl as the advisory expiration of key.
func (s *Store) SetExpiration(ctx context.Context, key string, ttl time.Duration) (time.Time, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.entries[key]
	if !ok {
		s.metrics.recordOperation(ctx, "set_expiration", "missing")
		return time.Time{}, false
	}
	now := s.clock.Now()
	current.ExpireAt = now.Add(ttl)
	current.UpdatedAt = now
	current.UpdateCount++
	s.metrics.recordOperation(ctx, "set_expiration", "applied")
	return current.ExpireAt, true
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	if ok {
		s.metrics.recordOperation(ctx, "delete", "deleted")
	} else {
		s.metrics.recordOperation(ctx, "delete", "missing")
	}
	return ok
}

// Len returns the number of live entries across all shards.
func (s *Store) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

func (s *Store) decryptEntry(ctx context.Context, key string, entry storage.Entry) (storage.Entry, error) {
	if !s.cipher.Enabled() {
		return entry, nil
	}
	plain, err := s.cipher.Decrypt(entry.Data)
	if err != nil {
		s.logDecryptFailure(key, err)
		return storage.Entry{}, err
	}
	entry.Data = plain
	return entry, nil
}

func (s *Store) logDecryptFailure(key string, err error) {
	s.logger.Error("store.decrypt.failure", "key", key, "error", err)
}
