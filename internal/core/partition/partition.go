package partition

import "hash/fnv"

// Count is the fixed number of lock stripes for per-key critical sections.
// Never changes after initial deployment — it's a capacity decision, not a
// scaling decision.
const Count = 256

// For returns the stripe ID for a given record key.
// Stable and deterministic: same key always maps to the same stripe, so
// concurrent batches touching the same patient serialize on one mutex.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % Count
}
