package domain

import "time"

// PauseRecord is a per-(repo, job_type) scheduling pause stored in the
// scm.sync_pauses KV namespace. Timestamps are epoch seconds so the
// record survives JSON round-trips without precision games.
type PauseRecord struct {
	PausedUntil int64   `json:"paused_until"`
	Reason      string  `json:"reason"`
	PausedAt    int64   `json:"paused_at"`
	ReasonCode  string  `json:"reason_code"`
	FailureRate float64 `json:"failure_rate"`
}

// Active reports whether the pause is still in effect.
func (p PauseRecord) Active(now time.Time) bool {
	return p.PausedUntil > now.Unix()
}

// ToDict converts the record to a generic map for KV storage.
func (p PauseRecord) ToDict() map[string]any {
	return map[string]any{
		"paused_until": p.PausedUntil,
		"reason":       p.Reason,
		"paused_at":    p.PausedAt,
		"reason_code":  p.ReasonCode,
		"failure_rate": p.FailureRate,
	}
}

// PauseRecordFromDict rebuilds a record from a KV value. JSON decoding
// yields float64 for every number, so both int64 and float64 are
// accepted per field.
func PauseRecordFromDict(d map[string]any) PauseRecord {
	rec := PauseRecord{}
	rec.PausedUntil = dictInt64(d, "paused_until")
	rec.PausedAt = dictInt64(d, "paused_at")
	if v, ok := d["reason"].(string); ok {
		rec.Reason = v
	}
	if v, ok := d["reason_code"].(string); ok {
		rec.ReasonCode = v
	}
	rec.FailureRate = dictFloat64(d, "failure_rate")
	return rec
}

func dictInt64(d map[string]any, key string) int64 {
	switch v := d[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func dictFloat64(d map[string]any, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
