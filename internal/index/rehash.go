package index

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Rehash rewrites the index with a larger bucket array. All entries keep
// their sequence numbers and digests; only the bucket geometry changes.
// The new index is built in a temporary file next to the original and
// renamed into place once durable, so a crash mid-rehash leaves the
// original untouched. Rehash is a maintenance operation: it is never
// triggered implicitly by an insert.
func (ix *Index) Rehash(newBucketCount uint32) error {
	if !ix.writable {
		return errReadOnly
	}
	if newBucketCount == 0 {
		return fmt.Errorf("index: rehash to zero buckets")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tmp := ix.path + ".rehash"
	os.Remove(tmp) // stale leftover from an interrupted rehash

	nix, err := Create(tmp, newBucketCount)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		nix.Close()
		os.Remove(tmp)
		return err
	}

	var lastSeq uint64
	var lastSeqName string
	for e, err := range ix.locked().entries() {
		if err != nil {
			return fail(err)
		}
		if err := nix.insertExisting(e); err != nil {
			return fail(err)
		}
		if nix.entryCount == 1 || e.Sequence > lastSeq {
			lastSeq = e.Sequence
			lastSeqName = e.Name
		}
	}
	if nix.entryCount != ix.entryCount {
		return fail(fmt.Errorf("%w: rehash walked %d entries, header says %d", ErrCorrupt, nix.entryCount, ix.entryCount))
	}

	nix.nextSeq = ix.nextSeq
	nix.dataEnd = ix.dataEnd
	if len(lastSeqName) <= lastNameMax {
		nix.lastName = lastSeqName
	}
	if err := nix.writeHeader(); err != nil {
		return fail(err)
	}
	if err := nix.f.Sync(); err != nil {
		return fail(fmt.Errorf("sync rehashed index: %w", err))
	}

	if err := os.Rename(tmp, ix.path); err != nil {
		return fail(fmt.Errorf("replace index: %w", err))
	}
	// The new handle's fd survives the rename and now backs ix.path. The
	// old fd is retired, not closed: readers that snapshotted it mid-walk
	// keep a consistent view of the unlinked file until Close.
	ix.retired = append(ix.retired, ix.f)
	ix.f = nix.f
	ix.bucketCount = nix.bucketCount
	ix.nextSeq = nix.nextSeq
	ix.entryCount = nix.entryCount
	ix.dataEnd = nix.dataEnd
	ix.lastEntry = nix.lastEntry
	ix.lastName = nix.lastName
	ix.size = nix.size
	return nil
}

// insertExisting appends an already-sequenced entry during a rehash. No
// per-entry durability: the whole rebuild is synced once before the
// rename publishes it.
func (ix *Index) insertExisting(e Entry) error {
	s := ix.locked()
	h := xxhash.Sum64String(e.Name)
	slotOff := s.slotOffset(h)
	head, err := s.readSlot(slotOff)
	if err != nil {
		return err
	}
	rec := record{
		next:   head,
		hash:   h,
		offset: e.Offset,
		size:   e.Size,
		seq:    e.Sequence,
		digest: e.Digest,
		name:   e.Name,
	}
	entryOff := ix.size
	if _, err := ix.f.WriteAt(rec.encode(), entryOff); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	var slot [slotSize]byte
	binary.LittleEndian.PutUint64(slot[:], uint64(entryOff))
	if _, err := ix.f.WriteAt(slot[:], slotOff); err != nil {
		return fmt.Errorf("update bucket slot: %w", err)
	}
	ix.entryCount++
	ix.lastEntry = uint64(entryOff)
	ix.size = entryOff + int64(rec.encodedLen())
	return nil
}
