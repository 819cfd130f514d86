// Package store provides the durable, quota-bounded local store used by the
// offline sync engine. Entries live in namespaces; each namespace has its own
// byte quota which is enforced by eviction before insert.
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	progresssync "github.com/wolfeidau/progress-sync"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidNamespace is returned for malformed namespace names.
	ErrInvalidNamespace = errors.New("store: invalid namespace")

	// ErrInvalidKey is returned for empty or malformed keys.
	ErrInvalidKey = errors.New("store: invalid key")

	// ErrQuotaExceeded is returned when a write cannot fit even after eviction.
	ErrQuotaExceeded = progresssync.ErrQuotaExceeded
)

// Store is the contract of the durable local store.
type Store interface {
	// Get retrieves an entry. Returns ErrNotFound if absent.
	// Expired entries are still returned until the reaper removes them;
	// callers decide whether an expired value is usable (see Entry.Expired).
	Get(ctx context.Context, namespace, key string) (*Entry, error)

	// Set stores payload under namespace/key, evicting expired and then
	// least-recently-written unprotected entries of the same namespace when
	// the quota would be exceeded. Returns ErrQuotaExceeded if space cannot
	// be made; in that case nothing is evicted.
	Set(ctx context.Context, namespace, key string, payload []byte, opts SetOptions) (*Entry, error)

	// Remove deletes an entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, namespace, key string) error

	// List returns all entries in a namespace ordered by key.
	List(ctx context.Context, namespace string) ([]*Entry, error)

	// MarkSynced clears the NeedsSync flag so the entry becomes evictable.
	MarkSynced(ctx context.Context, namespace, key string) error

	// Usage reports quota accounting for one namespace.
	Usage(ctx context.Context, namespace string) (Usage, error)

	// TotalUsage reports quota accounting across all namespaces in use.
	TotalUsage(ctx context.Context) (Usage, error)

	// Namespaces lists the namespaces that currently hold entries.
	Namespaces(ctx context.Context) ([]string, error)

	// ClearNamespace removes every entry in a namespace, protected or not.
	ClearNamespace(ctx context.Context, namespace string) error

	// Clear removes everything. Used on logout.
	Clear(ctx context.Context) error
}

// SetOptions controls how an entry is written.
type SetOptions struct {
	// TTL sets the expiry relative to now. Zero means the entry never expires.
	TTL time.Duration

	// NeedsSync protects the entry from automatic eviction until MarkSynced.
	NeedsSync bool
}

// Entry is a stored value with its metadata.
type Entry struct {
	Namespace string
	Key       string
	Payload   []byte

	// SizeBytes is the stored (post-compaction) size counted against quota.
	SizeBytes int64

	CreatedAt time.Time
	WrittenAt time.Time
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time
	NeedsSync bool
	Digest    progresssync.Digest
}

// Expired reports whether the entry has passed its expiry time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Usage is the quota accounting for a namespace or the whole store.
type Usage struct {
	Namespace   string  `json:"namespace,omitempty"`
	UsedBytes   int64   `json:"used_bytes"`
	QuotaBytes  int64   `json:"quota_bytes"`
	Entries     int     `json:"entries"`
	PercentUsed float64 `json:"percent_used"`
}

func newUsage(namespace string, used, quota int64, entries int) Usage {
	u := Usage{Namespace: namespace, UsedBytes: used, QuotaBytes: quota, Entries: entries}
	if quota > 0 {
		u.PercentUsed = float64(used) / float64(quota) * 100
	}
	return u
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._:-]{0,127}$`)

// ValidateNamespace checks a namespace name.
func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return ErrInvalidNamespace
	}
	return nil
}

// MaxKeySize is the longest key accepted.
const MaxKeySize = 512

func validateKey(key string) error {
	if key == "" || len(key) > MaxKeySize || strings.IndexByte(key, 0) >= 0 {
		return ErrInvalidKey
	}
	return nil
}
