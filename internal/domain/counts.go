package domain

// Counts is the sync_runs counts blob. synced_count is mandatory; the
// remaining known keys are optional and unknown keys round-trip intact.
type Counts map[string]int64

// KeySyncedCount is the one required counts field; a generated column on
// sync_runs mirrors it for indexed queries.
const KeySyncedCount = "synced_count"

// knownCountKeys lists the optional fields the schema validator
// recognizes, including the limiter statistics adapters attach.
var knownCountKeys = map[string]struct{}{
	KeySyncedCount:       {},
	"diff_count":         {},
	"bulk_count":         {},
	"degraded_count":     {},
	"scanned_count":      {},
	"inserted_count":     {},
	"skipped_count":      {},
	"synced_mr_count":    {},
	"synced_event_count": {},
	"patch_success":      {},
	"patch_failed":       {},
	"total_requests":     {},
	"total_429_hits":     {},
	"timeout_count":      {},
	"avg_wait_time_ms":   {},
}

// SyncedCount returns the mandatory synced_count value, zero if absent.
func (c Counts) SyncedCount() int64 {
	return c[KeySyncedCount]
}

// Merge adds the values of other into a copy of c.
func (c Counts) Merge(other Counts) Counts {
	out := make(Counts, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// ValidateCounts checks the counts contract: synced_count present, every
// value non-negative. Returns ok, the missing required keys, and the
// keys with invalid values. Unknown keys are accepted and preserved.
func ValidateCounts(c Counts) (bool, []string, []string) {
	var missing, invalid []string

	if _, ok := c[KeySyncedCount]; !ok {
		missing = append(missing, KeySyncedCount)
	}
	for k, v := range c {
		if v < 0 {
			invalid = append(invalid, k)
		}
	}

	return len(missing) == 0 && len(invalid) == 0, missing, invalid
}

// KnownCountKey reports whether the key is part of the documented schema.
func KnownCountKey(k string) bool {
	_, ok := knownCountKeys[k]
	return ok
}
