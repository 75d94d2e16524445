// Package keys centralizes construction of circuit-breaker and pause
// keys. Writes always use the canonical forms produced here; reads may
// additionally try the legacy short keys older deployments wrote.
package keys

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/logbook/scmsync/internal/domain"
)

// Breaker scope prefixes. The canonical key is "<project_key>:<scope>".
const (
	ScopeGlobal   = "global"
	ScopePool     = "pool"
	ScopeInstance = "instance"
	ScopeTenant   = "tenant"
)

// BuildCircuitBreakerKey returns the canonical breaker key for a project
// and scope, e.g. "scm:instance:gitlab.example.com".
func BuildCircuitBreakerKey(projectKey, scope string) string {
	return projectKey + ":" + scope
}

// GlobalScope returns the global scope selector.
func GlobalScope() string { return ScopeGlobal }

// PoolScope returns the scope selector for a worker pool.
func PoolScope(pool string) string {
	return ScopePool + ":" + strings.ToLower(pool)
}

// InstanceScope returns the scope selector for a GitLab instance. The
// instance name is normalized the same way bucket keys are.
func InstanceScope(instance string) string {
	return ScopeInstance + ":" + NormalizeInstanceKey(instance)
}

// TenantScope returns the scope selector for a tenant.
func TenantScope(tenant string) string {
	return ScopeTenant + ":" + strings.ToLower(tenant)
}

// LegacyCircuitBreakerKeys returns fallback keys to try on read, oldest
// form last: the bare scope without the project prefix.
func LegacyCircuitBreakerKeys(projectKey, scope string) []string {
	return []string{scope}
}

// BuildCursorKey returns the KV key for a (repo, job_type) cursor.
func BuildCursorKey(repoID int64, jobType domain.JobType) string {
	return fmt.Sprintf("repo:%d:%s", repoID, jobType)
}

// ParseCursorKey inverts BuildCursorKey; the format is shared with pause
// keys.
func ParseCursorKey(key string) (repoID int64, jobType domain.JobType, ok bool) {
	return ParsePauseKey(key)
}

// BuildPauseKey returns the KV key for a (repo, job_type) pause record.
func BuildPauseKey(repoID int64, jobType domain.JobType) string {
	return fmt.Sprintf("repo:%d:%s", repoID, jobType)
}

// ParsePauseKey inverts BuildPauseKey. ok is false for foreign keys.
func ParsePauseKey(key string) (repoID int64, jobType domain.JobType, ok bool) {
	var id int64
	var jt string
	n, err := fmt.Sscanf(key, "repo:%d:%s", &id, &jt)
	if err != nil || n != 2 {
		return 0, "", false
	}
	return id, domain.JobType(jt), true
}

// NormalizeInstanceKey reduces a GitLab base URL or hostname to the
// lowercase hostname, preserving a non-default port. Used for both
// rate-limit bucket keys and breaker instance scopes.
func NormalizeInstanceKey(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}

	// Bare hostnames parse as opaque URLs; give them a scheme first.
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		// Fall back to stripping an eventual path by hand.
		s = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		if idx := strings.IndexByte(s, '/'); idx >= 0 {
			s = s[:idx]
		}
		return strings.ToLower(strings.TrimSpace(s))
	}

	host := u.Hostname()
	port := u.Port()
	switch port {
	case "", "80", "443":
		return host
	}
	return host + ":" + port
}
