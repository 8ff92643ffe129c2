package taridx

import (
	"errors"

	"github.com/taridx/taridx/internal/index"
)

// Sentinel errors. All faults are reported to the caller; nothing is
// retried or repaired silently.
var (
	// ErrNotFound is returned when no member with the requested name or
	// sequence exists. A lookup miss is an expected outcome, not a fault.
	ErrNotFound = errors.New("taridx: member not found")

	// ErrWriterConflict is returned when another handle already holds the
	// archive's exclusive write lock. The caller decides whether to retry.
	ErrWriterConflict = errors.New("taridx: archive already locked for writing")

	// ErrTruncatedArchive is returned when the archive file is shorter
	// than the index says it should be. Recovery requires Rebuild.
	ErrTruncatedArchive = errors.New("taridx: archive shorter than index records")

	// ErrDigestMismatch is returned when a member's payload does not match
	// the digest recorded at append time.
	ErrDigestMismatch = errors.New("taridx: payload digest mismatch")

	// ErrReadOnly is returned when appending through a read-only handle.
	ErrReadOnly = errors.New("taridx: archive opened read-only")

	// ErrClosed is returned when operating on a closed handle.
	ErrClosed = errors.New("taridx: archive closed")

	// ErrEmptyName is returned when appending a member with an empty name.
	ErrEmptyName = errors.New("taridx: empty member name")

	// ErrNameTooLong is returned when a member name exceeds MaxNameLen.
	ErrNameTooLong = errors.New("taridx: member name too long")
)

// ErrCorruptIndex is re-exported from internal/index: the index file's
// header or chain structure is damaged and the file must be rebuilt from
// the archive with Rebuild.
var ErrCorruptIndex = index.ErrCorrupt
