package cache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
)

// HashKey computes a deterministic FNV-1a digest of the given components.
// Each component is length-prefixed so ("ab", "c") and ("a", "bc") differ.
func HashKey(parts ...string) string {
	h := fnv.New64a()
	var size [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(part))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// HashFields hashes a string map in sorted key order.
func HashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, fields[k])
	}
	return HashKey(parts...)
}
