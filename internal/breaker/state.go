package breaker

import "time"

// StateDict serializes the full controller state for KV persistence,
// including smoothing values, probe counters and opened_at. The key is
// carried only in the dict; LoadStateDict keeps the controller's own key.
func (c *Controller) StateDict() map[string]any {
	d := map[string]any{
		"key":                 c.key,
		"state":               string(c.state),
		"trigger_reason":      c.triggerReason,
		"half_open_attempts":  int64(c.halfOpenAttempts),
		"half_open_successes": int64(c.halfOpenSuccesses),
		"suggested_batch":     int64(c.suggestedBatch),
		"sm_init":             c.smInit,
		"sm_failed":           c.smFailed,
		"sm_rate_limit":       c.smRateLimit,
		"sm_timeout":          c.smTimeout,
	}
	if !c.openedAt.IsZero() {
		d["opened_at"] = c.openedAt.UTC().Format(time.RFC3339Nano)
	}
	return d
}

// LoadStateDict restores controller state from a KV value. Unknown or
// malformed fields leave the corresponding zero state in place.
func (c *Controller) LoadStateDict(d map[string]any) {
	if d == nil {
		return
	}

	if s, ok := d["state"].(string); ok {
		switch State(s) {
		case StateClosed, StateOpen, StateHalfOpen:
			c.state = State(s)
		}
	}
	if s, ok := d["trigger_reason"].(string); ok {
		c.triggerReason = s
	}
	if s, ok := d["opened_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			c.openedAt = t
		}
	}
	c.halfOpenAttempts = int(loadInt(d, "half_open_attempts"))
	c.halfOpenSuccesses = int(loadInt(d, "half_open_successes"))
	c.suggestedBatch = int(loadInt(d, "suggested_batch"))
	if b, ok := d["sm_init"].(bool); ok {
		c.smInit = b
	}
	c.smFailed = loadFloat(d, "sm_failed")
	c.smRateLimit = loadFloat(d, "sm_rate_limit")
	c.smTimeout = loadFloat(d, "sm_timeout")
}

func loadInt(d map[string]any, key string) int64 {
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

func loadFloat(d map[string]any, key string) float64 {
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
