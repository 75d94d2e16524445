package domain

import "errors"

var (
	// ErrJobOwnershipLost is returned when a lease-holding update matched
	// no rows: another worker or the reaper has taken the job over.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRepoNotFound is returned when a repo ID does not exist.
	ErrRepoNotFound = errors.New("repo not found")

	// ErrLockNotFound is returned when a lock ID does not exist.
	ErrLockNotFound = errors.New("lock not found")

	// ErrBucketNotFound is returned when a rate-limit bucket key does not exist.
	ErrBucketNotFound = errors.New("rate limit bucket not found")

	// ErrCursorRegression signals an attempted watermark write behind the
	// stored value. Finalize skips the write instead of propagating this,
	// but callers repairing cursors by hand see it.
	ErrCursorRegression = errors.New("cursor watermark regression")

	// ErrInvalidID is returned for malformed UUIDs.
	ErrInvalidID = errors.New("invalid id")
)
