package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	progresssync "github.com/wolfeidau/progress-sync"
	"github.com/wolfeidau/progress-sync/telemetry"
	"go.etcd.io/bbolt"
)

// DefaultQuota is the per-namespace quota used when none is configured.
const DefaultQuota = 5 * 1024 * 1024 // 5MB

// record is the persisted form of an Entry.
type record struct {
	Payload   []byte              `json:"payload"`
	Encoding  Encoding            `json:"encoding"`
	RawSize   int64               `json:"raw_size"`
	Size      int64               `json:"size"`
	CreatedAt time.Time           `json:"created_at"`
	WrittenAt time.Time           `json:"written_at"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	NeedsSync bool                `json:"needs_sync"`
	Digest    progresssync.Digest `json:"digest"`
}

// usageRecord is the persisted quota accounting for a namespace.
type usageRecord struct {
	Bytes   int64 `json:"bytes"`
	Entries int   `json:"entries"`
}

// evicted describes an entry removed to make space, for telemetry after commit.
type evicted struct {
	key    string
	size   int64
	reason string
}

// BoltStore implements Store using bbolt.
//
// bbolt allows a single writer at a time, so every Set runs its quota check,
// eviction and insert inside one serialized read-write transaction. Concurrent
// Set calls on the same namespace therefore never race on usage accounting.
type BoltStore struct {
	db           *bbolt.DB
	codec        *Codec
	logger       *slog.Logger
	now          func() time.Time
	noSync       bool
	defaultQuota int64
	quotas       map[string]int64
}

// Option configures a BoltStore instance.
type Option func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// WithDefaultQuota sets the quota applied to namespaces without an override.
func WithDefaultQuota(bytes int64) Option {
	return func(b *BoltStore) {
		b.defaultQuota = bytes
	}
}

// WithQuota overrides the quota for one namespace.
func WithQuota(namespace string, bytes int64) Option {
	return func(b *BoltStore) {
		b.quotas[namespace] = bytes
	}
}

// New creates a new BoltStore instance with options. Call Open before use.
func New(opts ...Option) *BoltStore {
	b := &BoltStore{
		logger:       slog.Default(),
		now:          time.Now,
		defaultQuota: DefaultQuota,
		quotas:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened local store", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltStore) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing local store")
	return b.db.Close()
}

// QuotaFor returns the configured quota of a namespace.
func (b *BoltStore) QuotaFor(namespace string) int64 {
	if q, ok := b.quotas[namespace]; ok {
		return q
	}
	return b.defaultQuota
}

// Get retrieves an entry.
func (b *BoltStore) Get(_ context.Context, namespace, key string) (*Entry, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var rec *record
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get(makeEntryKey(namespace, key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(val)
		return err
	})
	if err != nil {
		return nil, err
	}

	return b.toEntry(namespace, key, rec)
}

// Set stores an entry, evicting unprotected entries of the same namespace if needed.
func (b *BoltStore) Set(ctx context.Context, namespace, key string, payload []byte, opts SetOptions) (*Entry, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	stored, encoding, digest, err := b.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	now := b.now()
	rec := &record{
		Payload:   stored,
		Encoding:  encoding,
		RawSize:   int64(len(payload)),
		Size:      int64(len(stored)),
		CreatedAt: now,
		WrittenAt: now,
		NeedsSync: opts.NeedsSync,
		Digest:    digest,
	}
	if opts.TTL > 0 {
		t := now.Add(opts.TTL)
		rec.ExpiresAt = &t
	}

	quota := b.QuotaFor(namespace)
	var (
		removed []evicted
		usage   usageRecord
	)

	err = b.db.Update(func(tx *bbolt.Tx) error {
		removed = nil
		if rec.Size > quota {
			return ErrQuotaExceeded
		}

		entries := tx.Bucket(bucketEntries)
		entryKey := makeEntryKey(namespace, key)

		usage = readUsage(tx, namespace)

		// An overwrite frees the previous value first.
		var (
			previous int64
			existed  bool
		)
		if val := entries.Get(entryKey); val != nil {
			old, err := decodeRecord(val)
			if err != nil {
				return err
			}
			existed = true
			previous = old.Size
			rec.CreatedAt = old.CreatedAt
		}

		need := usage.Bytes - previous + rec.Size - quota
		if need > 0 {
			victims, err := b.selectVictims(tx, namespace, key, need, now)
			if err != nil {
				return err
			}
			for _, v := range victims {
				if err := b.deleteInTx(tx, namespace, v.key, &usage); err != nil {
					return err
				}
			}
			removed = victims
		}

		if existed {
			usage.Bytes -= previous
			usage.Entries--
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := entries.Put(entryKey, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		if err := updateExpiryIndex(tx, namespace, key, rec.ExpiresAt); err != nil {
			return err
		}

		usage.Bytes += rec.Size
		usage.Entries++
		return writeUsage(tx, namespace, usage)
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrQuotaExceeded) {
			outcome = "quota_exceeded"
			b.logger.Warn("local store quota exceeded",
				"namespace", namespace,
				"key", key,
				"size", rec.Size,
				"quota", quota)
		}
		telemetry.RecordStoreWrite(ctx, namespace, outcome, 0)
		return nil, err
	}

	for _, v := range removed {
		b.logger.Debug("evicted entry", "namespace", namespace, "key", v.key, "size", v.size, "reason", v.reason)
		telemetry.RecordStoreEviction(ctx, namespace, v.reason, v.size)
	}
	telemetry.RecordStoreWrite(ctx, namespace, "ok", rec.Size)
	telemetry.UpdateStoreUsage(ctx, namespace, usage.Bytes)

	return &Entry{
		Namespace: namespace,
		Key:       key,
		Payload:   payload,
		SizeBytes: rec.Size,
		CreatedAt: rec.CreatedAt,
		WrittenAt: rec.WrittenAt,
		ExpiresAt: derefTime(rec.ExpiresAt),
		NeedsSync: rec.NeedsSync,
		Digest:    digest,
	}, nil
}

// selectVictims picks unprotected entries of namespace to free at least need
// bytes: expired entries first (oldest expiry first), then least recently
// written. skipKey is the key being written. Returns ErrQuotaExceeded when the
// candidates cannot free enough space.
func (b *BoltStore) selectVictims(tx *bbolt.Tx, namespace, skipKey string, need int64, now time.Time) ([]evicted, error) {
	type candidate struct {
		key       string
		size      int64
		writtenAt time.Time
		expiresAt time.Time
		expired   bool
	}

	var candidates []candidate
	prefix := namespacePrefix(namespace)
	cursor := tx.Bucket(bucketEntries).Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		_, key := parseEntryKey(k)
		if key == skipKey {
			continue
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		if rec.NeedsSync {
			continue
		}
		c := candidate{key: key, size: rec.Size, writtenAt: rec.WrittenAt}
		if rec.ExpiresAt != nil {
			c.expiresAt = *rec.ExpiresAt
			c.expired = !now.Before(*rec.ExpiresAt)
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.expired != c.expired {
			return a.expired
		}
		if a.expired && !a.expiresAt.Equal(c.expiresAt) {
			return a.expiresAt.Before(c.expiresAt)
		}
		if !a.writtenAt.Equal(c.writtenAt) {
			return a.writtenAt.Before(c.writtenAt)
		}
		return a.key < c.key
	})

	var (
		victims []evicted
		freed   int64
	)
	for _, c := range candidates {
		if freed >= need {
			break
		}
		reason := "lrw"
		if c.expired {
			reason = "expired"
		}
		victims = append(victims, evicted{key: c.key, size: c.size, reason: reason})
		freed += c.size
	}
	if freed < need {
		return nil, ErrQuotaExceeded
	}
	return victims, nil
}

// Remove deletes an entry.
func (b *BoltStore) Remove(ctx context.Context, namespace, key string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	var usage usageRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		usage = readUsage(tx, namespace)
		if err := b.deleteInTx(tx, namespace, key, &usage); err != nil {
			return err
		}
		return writeUsage(tx, namespace, usage)
	})
	if err != nil {
		return err
	}
	telemetry.UpdateStoreUsage(ctx, namespace, usage.Bytes)
	return nil
}

// deleteInTx removes an entry and its index rows, adjusting usage.
func (b *BoltStore) deleteInTx(tx *bbolt.Tx, namespace, key string, usage *usageRecord) error {
	entries := tx.Bucket(bucketEntries)
	entryKey := makeEntryKey(namespace, key)

	val := entries.Get(entryKey)
	if val == nil {
		return nil
	}
	rec, err := decodeRecord(val)
	if err != nil {
		return err
	}

	if err := updateExpiryIndex(tx, namespace, key, nil); err != nil {
		return err
	}
	if err := entries.Delete(entryKey); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}

	usage.Bytes -= rec.Size
	usage.Entries--
	if usage.Bytes < 0 {
		usage.Bytes = 0
	}
	if usage.Entries < 0 {
		usage.Entries = 0
	}
	return nil
}

// List returns all entries in a namespace ordered by key.
func (b *BoltStore) List(_ context.Context, namespace string) ([]*Entry, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	type raw struct {
		key string
		rec *record
	}
	var rows []raw

	prefix := namespacePrefix(namespace)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			_, key := parseEntryKey(k)
			rows = append(rows, raw{key: key, rec: rec})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := b.toEntry(namespace, row.key, row.rec)
		if err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", namespace, row.key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkSynced clears the NeedsSync flag of an entry.
func (b *BoltStore) MarkSynced(_ context.Context, namespace, key string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		entryKey := makeEntryKey(namespace, key)

		val := entries.Get(entryKey)
		if val == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(val)
		if err != nil {
			return err
		}
		if !rec.NeedsSync {
			return nil
		}
		rec.NeedsSync = false

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return entries.Put(entryKey, data)
	})
}

// Usage reports quota accounting for one namespace.
func (b *BoltStore) Usage(_ context.Context, namespace string) (Usage, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return Usage{}, err
	}

	var u usageRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		u = readUsage(tx, namespace)
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return newUsage(namespace, u.Bytes, b.QuotaFor(namespace), u.Entries), nil
}

// TotalUsage reports accounting across all namespaces holding entries.
// The quota is the sum of those namespaces' quotas.
func (b *BoltStore) TotalUsage(_ context.Context) (Usage, error) {
	var used, quota int64
	var entries int

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsageByNamespace).ForEach(func(k, v []byte) error {
			var u usageRecord
			if err := json.Unmarshal(v, &u); err != nil {
				return nil // Skip invalid entries
			}
			used += u.Bytes
			entries += u.Entries
			quota += b.QuotaFor(string(k))
			return nil
		})
	})
	if err != nil {
		return Usage{}, err
	}
	return newUsage("", used, quota, entries), nil
}

// Namespaces lists the namespaces that currently hold entries.
func (b *BoltStore) Namespaces(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsageByNamespace).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// ClearNamespace removes every entry in a namespace.
func (b *BoltStore) ClearNamespace(ctx context.Context, namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	prefix := namespacePrefix(namespace)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var keys []string
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, key := parseEntryKey(k)
			keys = append(keys, key)
		}

		usage := readUsage(tx, namespace)
		for _, key := range keys {
			if err := b.deleteInTx(tx, namespace, key, &usage); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketUsageByNamespace).Delete([]byte(namespace))
	})
	if err != nil {
		return err
	}
	telemetry.UpdateStoreUsage(ctx, namespace, 0)
	return nil
}

// Clear removes everything in the store.
func (b *BoltStore) Clear(_ context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("local store cleared")
	return nil
}

// DeleteExpired removes up to limit expired entries whose expiry is before
// the given time. Entries with NeedsSync set are skipped. Returns the number
// of entries deleted.
func (b *BoltStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	beforeTs := encodeTimestamp(before)
	touched := make(map[string]int64)
	var deleted int

	err := b.db.Update(func(tx *bbolt.Tx) error {
		deleted = 0
		clear(touched)

		type target struct{ namespace, key string }
		var targets []target

		entries := tx.Bucket(bucketEntries)
		cursor := tx.Bucket(bucketEntriesByExpiry).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(targets) >= limit {
				break
			}
			val := entries.Get(v)
			if val == nil {
				continue
			}
			rec, err := decodeRecord(val)
			if err != nil {
				return err
			}
			if rec.NeedsSync {
				continue
			}
			_, namespace, key := parseExpiryKey(k)
			targets = append(targets, target{namespace: namespace, key: key})
		}

		usages := make(map[string]*usageRecord)
		for _, t := range targets {
			u, ok := usages[t.namespace]
			if !ok {
				r := readUsage(tx, t.namespace)
				u = &r
				usages[t.namespace] = u
			}
			if err := b.deleteInTx(tx, t.namespace, t.key, u); err != nil {
				return err
			}
			deleted++
		}
		for ns, u := range usages {
			if err := writeUsage(tx, ns, *u); err != nil {
				return err
			}
			touched[ns] = u.Bytes
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for ns, used := range touched {
		telemetry.UpdateStoreUsage(ctx, ns, used)
	}
	return deleted, nil
}

func (b *BoltStore) toEntry(namespace, key string, rec *record) (*Entry, error) {
	payload, err := b.codec.Decode(rec.Payload, rec.Encoding, rec.Digest, rec.RawSize)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Namespace: namespace,
		Key:       key,
		Payload:   payload,
		SizeBytes: rec.Size,
		CreatedAt: rec.CreatedAt,
		WrittenAt: rec.WrittenAt,
		ExpiresAt: derefTime(rec.ExpiresAt),
		NeedsSync: rec.NeedsSync,
		Digest:    rec.Digest,
	}, nil
}

// updateExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func updateExpiryIndex(tx *bbolt.Tx, namespace, key string, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketEntriesByExpiry)
	reverseIndexBucket := tx.Bucket(bucketEntryExpiryByKey)
	entryKey := makeEntryKey(namespace, key)

	if tsBytes := reverseIndexBucket.Get(entryKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, namespace, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(entryKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, namespace, key), entryKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(entryKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

func readUsage(tx *bbolt.Tx, namespace string) usageRecord {
	var u usageRecord
	if val := tx.Bucket(bucketUsageByNamespace).Get([]byte(namespace)); val != nil {
		_ = json.Unmarshal(val, &u)
	}
	return u
}

func writeUsage(tx *bbolt.Tx, namespace string, u usageRecord) error {
	bucket := tx.Bucket(bucketUsageByNamespace)
	if u.Entries <= 0 {
		return bucket.Delete([]byte(namespace))
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	return bucket.Put([]byte(namespace), data)
}

func decodeRecord(val []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
