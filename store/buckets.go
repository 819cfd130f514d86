package store

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // namespace|key -> record JSON

	bucketEntriesByExpiry  = []byte("entries_by_expiry")   // timestamp|namespace|key -> namespace|key
	bucketEntryExpiryByKey = []byte("entry_expiry_by_key") // namespace|key -> 8-byte timestamp (reverse index)
	bucketUsageByNamespace = []byte("usage_by_namespace")  // namespace -> usage JSON
	allBuckets             = [][]byte{bucketEntries, bucketEntriesByExpiry, bucketEntryExpiryByKey, bucketUsageByNamespace}
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeEntryKey creates a compound key for an entry.
// Format: [namespace][separator][key]
func makeEntryKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseEntryKey extracts namespace and key from a compound key.
func parseEntryKey(data []byte) (namespace, key string) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i]), string(data[i+1:])
	}
	return string(data), ""
}

// namespacePrefix returns the cursor prefix for all keys of a namespace.
func namespacePrefix(namespace string) []byte {
	return append([]byte(namespace), 0)
}

// makeExpiryKey creates a key for the expiry index.
// Format: [8-byte timestamp][namespace][separator][key]
func makeExpiryKey(expiresAt time.Time, namespace, key string) []byte {
	entryKey := makeEntryKey(namespace, key)
	result := make([]byte, 8+len(entryKey))
	copy(result[:8], encodeTimestamp(expiresAt))
	copy(result[8:], entryKey)
	return result
}

// parseExpiryKey extracts the expiry time, namespace and key from an expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, namespace, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	namespace, key = parseEntryKey(data[8:])
	return
}
