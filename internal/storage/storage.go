package storage

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Content type constants used when callers do not declare one.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeTextPlain   = "text/plain; charset=utf-8"
)

var (
	// ErrLocked reports that the entry refuses the mutation while locked.
	ErrLocked = errors.New("storage: entry locked")
	// ErrDecrypt reports ciphertext that could not be turned back into
	// plaintext. It never happens while the key material is stable and is
	// treated as an internal failure, distinct from a missing key.
	ErrDecrypt = errors.New("storage: decrypt failed")
)

// Entry is the stored record for one key.
type Entry struct {
	// Data is plaintext whenever an Entry leaves a Store.
	Data []byte
	// ContentType is the declared or sniffed MIME type of Data.
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// ExpireAt is advisory; the zero value means no expiration was recorded.
	ExpireAt    time.Time
	UpdateCount int64
	Locked      bool
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	if e.Data != nil {
		out.Data = append([]byte(nil), e.Data...)
	}
	return out
}

// HasExpiration reports whether an expiration instant was recorded.
func (e Entry) HasExpiration() bool {
	return !e.ExpireAt.IsZero()
}

// Store is the key-value engine contract served over HTTP. Every operation
// is atomic with respect to other operations on the same key.
type Store interface {
	// Set stores payload under key and returns the snapshot that existed
	// before the call. A locked entry keeps its data and content type but
	// still records the attempt in UpdatedAt and UpdateCount.
	Set(ctx context.Context, key string, payload []byte, contentType string) (prev Entry, existed bool, err error)
	// Get returns a plaintext copy of the entry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// SwitchLock reports whether the lock state actually changed.
	SwitchLock(ctx context.Context, key string, locked bool) bool
	// IncrementOrDecrement adds delta to the numeric payload and returns the
	// new value. ok is false when the key is missing or the payload is not a
	// number. Locked entries yield ErrLocked.
	IncrementOrDecrement(ctx context.Context, key string, delta float64) (value float64, ok bool, err error)
	// SetExpiration records now+ttl as the advisory expiration instant.
	SetExpiration(ctx context.Context, key string, ttl time.Duration) (time.Time, bool)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) bool
	// Len returns the number of live entries.
	Len() int
}

// DetectContentType sniffs the MIME type of a plaintext payload.
func DetectContentType(payload []byte) string {
	if len(payload) == 0 {
		return ContentTypeOctetStream
	}
	return http.DetectContentType(payload)
}

// ParseNumber interprets a payload as a finite floating point number,
// ignoring surrounding whitespace. NaN and infinities are not numbers here.
func ParseNumber(payload []byte) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || !IsFinite(value) {
		return 0, false
	}
	return value, true
}

// IsFinite reports whether value is neither NaN nor an infinity.
func IsFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// FormatNumber renders value in its shortest canonical decimal form
// ("11", "0.5", "-3.25").
func FormatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
