package taridx

import (
	"fmt"
	"os"

	"github.com/taridx/taridx/internal/index"
	"github.com/taridx/taridx/internal/tarblock"
)

// Rebuild regenerates the index file by scanning the archive
// sequentially. It is the recovery path for a lost, corrupt, or
// truncation-inconsistent index: sequences are reassigned in archive
// order, which preserves recency (later members supersede earlier ones
// with the same name). A torn trailing write from a crashed append ends
// the scan cleanly; the intact prefix is indexed and the next append
// overwrites the tail.
//
// The new index is built in a temporary file and renamed over the old
// one only once durable, so an interrupted rebuild leaves the previous
// index in place. Rebuild takes the archive's write lock; it fails with
// ErrWriterConflict while a writer holds it.
func Rebuild(path string, opts ...Option) error {
	a := newArchive(path, true, opts)

	lock, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer lock.Release()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tmp := path + IndexSuffix + ".rebuild"
	os.Remove(tmp) // stale leftover from an interrupted rebuild

	ix, err := index.Create(tmp, a.bucketCount)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ix.Close()
		os.Remove(tmp)
		return err
	}

	members := 0
	_, err = tarblock.Scan(f, 0, false, func(m tarblock.Member) error {
		_, err := ix.BulkInsert(m.Name, index.Locator{
			Offset: uint64(m.HeaderOff),
			Size:   uint64(m.Size),
			Digest: m.Digest,
		}, uint64(m.End))
		if err == nil {
			members++
		}
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("scan archive: %w", err))
	}

	if err := ix.Sync(); err != nil {
		return fail(err)
	}
	if err := ix.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, path+IndexSuffix); err != nil {
		return fail(fmt.Errorf("replace index: %w", err))
	}

	a.log().Info("rebuilt index", "path", path, "members", members)
	return nil
}
