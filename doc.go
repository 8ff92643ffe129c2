// Package taridx provides random-access, append-friendly storage of many
// small named byte blobs inside a single standard tar archive, backed by
// an on-disk hash index so that locating a member never requires scanning
// the archive.
//
// An archive is a pair of files: the tar file itself, readable by any
// standard tar tool, and a private index file next to it (the tar path
// plus ".tidx"). Appends go to the tar file first and are made durable
// before the index records them, so the index can never point at bytes
// that were not written; a crash between the two steps leaves a trailing
// unindexed member that the next writable open recovers.
//
// Names are not unique: appending an existing name supersedes the earlier
// member without destroying it. Read returns the most recent bytes for a
// name; superseded members remain reachable through ReadAt and the audit
// listing.
//
// One writable handle may exist per archive pair at a time, enforced by
// an advisory lock; any number of read-only handles may operate
// concurrently with it.
package taridx
