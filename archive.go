package taridx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/taridx/taridx/internal/index"
	"github.com/taridx/taridx/internal/lockfile"
	"github.com/taridx/taridx/internal/tarblock"
)

const (
	// IndexSuffix is appended to the archive path to name the index file.
	IndexSuffix = ".tidx"

	// LockSuffix is appended to the archive path to name the lock file
	// that serializes writers.
	LockSuffix = ".lock"

	// MaxNameLen is the longest member name Append accepts.
	MaxNameLen = 4096
)

// Archive is a handle to an archive/index pair. A handle is either
// read-only (Open) or writable (Create, OpenWritable); writable handles
// hold the exclusive write lock for their lifetime. Handles are safe for
// concurrent use; appends are serialized internally.
type Archive struct {
	path     string
	writable bool

	f    *os.File
	idx  *index.Index
	lock *lockfile.Lock

	appendMu sync.Mutex // one append runs end to end, archive write through index insert
	dataEnd  int64
	closed   atomic.Bool

	verifyOnRead    bool
	tailRecovery    bool
	bucketCount     uint32
	rehashThreshold float64
	cacheEntries    int
	cache           *readCache
	readGroup       singleflight.Group // zero value is valid
	logger          *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

func newArchive(path string, writable bool, opts []Option) *Archive {
	a := &Archive{
		path:            path,
		writable:        writable,
		verifyOnRead:    true,
		tailRecovery:    true,
		rehashThreshold: DefaultRehashThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cacheEntries > 0 {
		a.cache = newReadCache(a.cacheEntries)
	}
	return a
}

// Create makes a new, empty archive/index pair at path and returns a
// writable handle. It fails if the archive file already exists, or with
// ErrWriterConflict if another writer holds the lock.
func Create(path string, opts ...Option) (*Archive, error) {
	a := newArchive(path, true, opts)

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	a.lock = lock

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("create archive: %w", err)
	}
	a.f = f
	if err := tarblock.InitEmpty(f); err != nil {
		a.abortCreate(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		a.abortCreate(path)
		return nil, fmt.Errorf("sync archive: %w", err)
	}

	idx, err := index.Create(path+IndexSuffix, a.bucketCount)
	if err != nil {
		a.abortCreate(path)
		return nil, err
	}
	a.idx = idx
	a.dataEnd = 0
	a.log().Debug("created archive", "path", path, "buckets", idx.Stats().Buckets)
	return a, nil
}

// abortCreate undoes a partial Create.
func (a *Archive) abortCreate(path string) {
	a.f.Close()
	os.Remove(path)
	a.lock.Release()
}

// Open attaches a read-only handle to an existing archive/index pair.
// Readers take no lock and may run concurrently with the single writer.
func Open(path string, opts ...Option) (*Archive, error) {
	a := newArchive(path, false, opts)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a.f = f

	idx, err := index.Open(path+IndexSuffix, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.idx = idx

	if err := a.checkTruncation(); err != nil {
		a.idx.Close()
		f.Close()
		return nil, err
	}
	a.dataEnd = int64(idx.DataEnd())
	return a, nil
}

// OpenWritable attaches the writable handle to an existing archive/index
// pair, acquiring the exclusive write lock. Members appended but not
// indexed before a crash are recovered here (see WithTailRecovery).
func OpenWritable(path string, opts ...Option) (*Archive, error) {
	a := newArchive(path, true, opts)

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	a.lock = lock
	fail := func(err error) (*Archive, error) {
		if a.idx != nil {
			a.idx.Close()
		}
		if a.f != nil {
			a.f.Close()
		}
		lock.Release()
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fail(fmt.Errorf("open archive: %w", err))
	}
	a.f = f

	idx, err := index.Open(path+IndexSuffix, true)
	if err != nil {
		return fail(err)
	}
	a.idx = idx

	if err := a.checkTruncation(); err != nil {
		return fail(err)
	}
	if err := a.recoverTail(); err != nil {
		return fail(err)
	}
	return a, nil
}

func acquireLock(path string) (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(path + LockSuffix)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", path, ErrWriterConflict)
		}
		return nil, err
	}
	return lock, nil
}

// checkTruncation fails when the archive file is shorter than the last
// indexed member implies. That means index entries point past the end of
// the archive; the pair needs an explicit Rebuild, never silent repair.
func (a *Archive) checkTruncation() error {
	info, err := a.f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() < int64(a.idx.DataEnd()) {
		return fmt.Errorf("%s: %d bytes on disk, index records %d: %w",
			a.path, info.Size(), a.idx.DataEnd(), ErrTruncatedArchive)
	}
	return nil
}

// errStopScan ends a tail scan early when recovery is disabled.
var errStopScan = errors.New("stop scan")

// recoverTail scans the archive past the index's recorded end. Members
// there were durably appended but never indexed (a crash hit between the
// archive write and the index insert). Default policy indexes them;
// WithTailRecovery(false) leaves them to be overwritten by the next
// append. Torn partial members at the very end are always ignored.
func (a *Archive) recoverTail() error {
	start := int64(a.idx.DataEnd())
	recovered := 0
	end, err := tarblock.Scan(a.f, start, false, func(m tarblock.Member) error {
		e, ok, err := a.idx.Lookup(m.Name)
		if err != nil {
			return err
		}
		if ok && e.Offset == uint64(m.HeaderOff) {
			// Already indexed; only the recorded archive end lagged.
			return nil
		}
		if !a.tailRecovery {
			return errStopScan
		}
		seq, err := a.idx.Insert(m.Name, index.Locator{
			Offset: uint64(m.HeaderOff),
			Size:   uint64(m.Size),
			Digest: m.Digest,
		}, uint64(m.End))
		if err != nil {
			return err
		}
		a.log().Debug("recovered unindexed member", "name", m.Name, "sequence", seq, "offset", m.HeaderOff)
		recovered++
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return err
	}
	if err == nil && end > int64(a.idx.DataEnd()) {
		if err := a.idx.SetDataEnd(uint64(end)); err != nil {
			return err
		}
	}
	a.dataEnd = int64(a.idx.DataEnd())
	if recovered > 0 {
		a.log().Info("recovered unindexed archive tail", "path", a.path, "members", recovered)
	}
	return nil
}

// Close releases the handle and, for writers, the exclusive lock.
func (a *Archive) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.idx.Close()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	if a.lock != nil {
		if lerr := a.lock.Release(); err == nil {
			err = lerr
		}
	}
	return err
}

// Path returns the archive file path.
func (a *Archive) Path() string { return a.path }

// Stats describes the archive pair's index geometry.
type Stats struct {
	// Entries counts all index entries, superseded ones included.
	Entries      uint64
	Buckets      uint32
	AvgChainLen  float64
	NextSequence uint64
	// DataEnd is the archive's logical end of member data, excluding the
	// end-of-archive marker.
	DataEnd uint64
	// NeedsRehash reports whether AvgChainLen exceeds the handle's
	// configured rehash threshold.
	NeedsRehash bool
}

// Stats returns index geometry figures. Cheap: computed from the index
// header without touching the chains.
func (a *Archive) Stats() (Stats, error) {
	if a.closed.Load() {
		return Stats{}, ErrClosed
	}
	s := a.idx.Stats()
	return Stats{
		Entries:      s.Entries,
		Buckets:      s.Buckets,
		AvgChainLen:  s.AvgChainLen,
		NextSequence: s.NextSequence,
		DataEnd:      s.DataEnd,
		NeedsRehash:  s.NeedsRehash(a.rehashThreshold),
	}, nil
}

// Rehash grows the bucket array to newBucketCount. This is an offline
// maintenance operation: it blocks appends for its duration but never
// runs implicitly, keeping append latency predictable. Sequence numbers
// and entry history are preserved.
func (a *Archive) Rehash(newBucketCount uint32) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.writable {
		return ErrReadOnly
	}
	a.appendMu.Lock()
	defer a.appendMu.Unlock()
	before := a.idx.Stats()
	if err := a.idx.Rehash(newBucketCount); err != nil {
		return err
	}
	a.log().Info("rehashed index", "path", a.path,
		"buckets", newBucketCount, "entries", before.Entries, "old_buckets", before.Buckets)
	return nil
}
