package index

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// recoverLog repairs the entry log after a crash. The header records the
// offset of the last fully published entry; anything after it is either
// an insert whose bucket slot or header update never landed, or a torn
// partial record. Complete records are replayed (sequence counter bumped,
// bucket slot re-pointed), the first torn record and everything after it
// is truncated away. Both actions only touch state that was never
// reachable, so replay is idempotent. Runs before the handle is shared.
func (ix *Index) recoverLog() error {
	s := ix.locked()
	expected := ix.entriesStart()
	if ix.lastEntry != 0 {
		rec, err := s.readRecord(int64(ix.lastEntry))
		if err != nil {
			return fmt.Errorf("last entry unreadable: %w", err)
		}
		expected = int64(ix.lastEntry) + int64(rec.encodedLen())
	}
	if ix.size < expected {
		return fmt.Errorf("%w: entry log shorter than last recorded entry", ErrCorrupt)
	}

	dirty := false
	for off := expected; off < ix.size; {
		rec, err := s.readRecord(off)
		if err != nil || rec.hash != xxhash.Sum64String(rec.name) {
			// Torn trailing write from a crashed insert; discard it.
			if terr := ix.f.Truncate(off); terr != nil {
				return fmt.Errorf("truncate torn index tail: %w", terr)
			}
			ix.size = off
			dirty = true
			break
		}

		if rec.seq >= ix.nextSeq {
			ix.nextSeq = rec.seq + 1
		}
		var slot [slotSize]byte
		binary.LittleEndian.PutUint64(slot[:], uint64(off))
		if _, err := ix.f.WriteAt(slot[:], s.slotOffset(rec.hash)); err != nil {
			return fmt.Errorf("replay bucket slot: %w", err)
		}
		ix.entryCount++
		ix.lastEntry = uint64(off)
		if len(rec.name) <= lastNameMax {
			ix.lastName = rec.name
		} else {
			ix.lastName = ""
		}
		dirty = true
		off += int64(rec.encodedLen())
	}

	if dirty {
		if err := ix.writeHeader(); err != nil {
			return err
		}
		if err := ix.f.Sync(); err != nil {
			return fmt.Errorf("sync index: %w", err)
		}
	}
	return nil
}
