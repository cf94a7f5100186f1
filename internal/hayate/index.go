package hayate

import (
	"encoding/json"
	"sort"
)

// indexKey is the remote key of the cache index. Consumers list the cache
// through this document; objects not referenced here are invisible to them.
const indexKey = "cache-index.json"

// CacheEntry is one published artifact in the cache index.
type CacheEntry struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Toolchain string `json:"toolchain"`
	Profile   string `json:"profile"`
	Key       string `json:"key"` // full remote object key
	Size      int64  `json:"size"`
	B3Sum     string `json:"b3sum"`
	Signature string `json:"signature,omitempty"` // remote key of the detached signature
}

// ParseCacheIndex reads the index from JSON data. An empty document is an
// empty index, not an error.
func ParseCacheIndex(data []byte) ([]CacheEntry, error) {
	var index []CacheEntry
	if len(data) == 0 {
		return index, nil
	}
	err := json.Unmarshal(data, &index)
	return index, err
}

// MarshalCacheIndex serializes the index sorted by key so rebuilds are
// byte-stable for identical content.
func MarshalCacheIndex(entries []CacheEntry) ([]byte, error) {
	sorted := make([]CacheEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})
	return json.MarshalIndent(sorted, "", "  ")
}

// mergeIndexEntries replaces or appends entries by remote key.
func mergeIndexEntries(index []CacheEntry, updates []CacheEntry) []CacheEntry {
	byKey := make(map[string]int, len(index))
	for i, e := range index {
		byKey[e.Key] = i
	}
	for _, u := range updates {
		if i, ok := byKey[u.Key]; ok {
			index[i] = u
		} else {
			byKey[u.Key] = len(index)
			index = append(index, u)
		}
	}
	return index
}

// findIndexEntry returns the entry with the given remote key, if present.
func findIndexEntry(index []CacheEntry, key string) (CacheEntry, bool) {
	for _, e := range index {
		if e.Key == key {
			return e, true
		}
	}
	return CacheEntry{}, false
}
