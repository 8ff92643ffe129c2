// Package index implements the on-disk hash index mapping member names to
// archive locations.
//
// The index file is a chained hash table: a fixed header, a bucket array
// of chain-head offsets, and an append-only entry log. Entries are never
// overwritten or removed; a name written twice gets two entries and the
// one with the highest sequence wins. Inserts append the entry, make it
// durable, and only then publish it by updating the bucket slot, so a
// crash mid-insert can orphan the entry being written but never damage
// entries already reachable.
//
// One writer and any number of readers may use the same index file
// concurrently. Readers never see an entry before its bucket slot points
// at it. Each read operation takes the handle lock only long enough to
// snapshot the file geometry and then walks the chains lock free, so
// lookups never wait out an in-flight insert's fsync.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// File layout constants. The header is a single block; the bucket array
// follows immediately, then the entry log.
const (
	headerSize  = 512
	slotSize    = 8
	recordFixed = 8 + 8 + 8 + 8 + 8 + digestSize + 2 // next, hash, offset, size, seq, digest, name len

	digestSize    = 32
	maxNameLen    = 4096
	lastNameMax   = 256
	formatVersion = 1
)

// DefaultBucketCount is the initial bucket array size used when the
// caller does not configure one.
const DefaultBucketCount = 1 << 16

var magic = [8]byte{'T', 'A', 'R', 'I', 'D', 'X', '1', '\n'}

// ErrCorrupt is returned when the index header or a chain pointer does
// not hold up. Recovery requires rebuilding the index from the archive.
var ErrCorrupt = errors.New("index: corrupt index file")

// errReadOnly guards against inserts through a read-only handle.
var errReadOnly = errors.New("index: read-only")

// Locator identifies where a member's bytes live in the archive file.
type Locator struct {
	Offset uint64 // header block offset in the archive
	Size   uint64 // payload length in bytes
	Digest [digestSize]byte
}

// Entry is one persisted index entry.
type Entry struct {
	Name     string
	Offset   uint64
	Size     uint64
	Sequence uint64
	Digest   [digestSize]byte
}

// Index is a handle to an index file. A writable handle is the sole
// mutator; read-only handles may be opened concurrently, including from
// other processes.
type Index struct {
	path     string
	writable bool

	// mu guards the fields below. Inserts, header updates, and geometry
	// swaps hold it exclusively; read operations take it shared and only
	// long enough to copy the fields they need.
	mu          sync.RWMutex
	f           *os.File
	bucketCount uint32
	nextSeq     uint64
	entryCount  uint64
	dataEnd     uint64
	lastEntry   uint64
	lastName    string
	size        int64 // file size as last observed by the writer

	// retired holds file handles replaced by Rehash. They stay open so
	// readers that snapshotted them mid-walk keep a consistent view of the
	// unlinked file, and are closed with the index.
	retired []*os.File
}

// Create writes a new empty index file at path. bucketCount of zero uses
// DefaultBucketCount. The file must not already exist.
func Create(path string, bucketCount uint32) (*Index, error) {
	if bucketCount == 0 {
		bucketCount = DefaultBucketCount
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	ix := &Index{
		f:           f,
		path:        path,
		writable:    true,
		bucketCount: bucketCount,
		size:        headerSize + int64(bucketCount)*slotSize,
	}
	// Truncate materializes the zeroed bucket array without writing it.
	if err := f.Truncate(ix.size); err != nil {
		f.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	if err := ix.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync index: %w", err)
	}
	return ix, nil
}

// Open attaches to an existing index file. A writable handle replays any
// inserts that were appended but not fully published before a crash.
func Open(path string, writable bool) (*Index, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	ix := &Index{f: f, path: path, writable: writable}
	if err := ix.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat index: %w", err)
	}
	ix.size = info.Size()
	if ix.size < ix.entriesStart() {
		f.Close()
		return nil, fmt.Errorf("%w: file shorter than bucket array", ErrCorrupt)
	}
	if writable {
		if err := ix.recoverLog(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return ix, nil
}

// Close releases the file handle. A writable handle is synced first.
func (ix *Index) Close() error {
	if ix.f == nil {
		return nil
	}
	var err error
	if ix.writable {
		err = ix.f.Sync()
	}
	if cerr := ix.f.Close(); err == nil {
		err = cerr
	}
	for _, f := range ix.retired {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	ix.retired = nil
	ix.f = nil
	return err
}

// Path returns the index file path.
func (ix *Index) Path() string { return ix.path }

func (ix *Index) entriesStart() int64 {
	return headerSize + int64(ix.bucketCount)*slotSize
}

// NextSequence returns the sequence the next insert will be assigned.
func (ix *Index) NextSequence() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.nextSeq
}

// Len returns the number of reachable entries.
func (ix *Index) Len() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entryCount
}

// DataEnd returns the archive's logical end of member data as recorded by
// the most recent insert.
func (ix *Index) DataEnd() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dataEnd
}

// LastName returns the name recorded by the most recent insert. ok is
// false for an empty index or when the last inserted name was too long to
// record in the header; callers then scan for the maximum sequence.
func (ix *Index) LastName() (name string, ok bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.entryCount == 0 {
		return "", false
	}
	return ix.lastName, ix.lastName != ""
}

// SetDataEnd records a corrected archive end, used when open-time recovery
// finds already-indexed members past the recorded end.
func (ix *Index) SetDataEnd(dataEnd uint64) error {
	if !ix.writable {
		return errReadOnly
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dataEnd = dataEnd
	if err := ix.writeHeader(); err != nil {
		return err
	}
	if err := ix.f.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	return nil
}

// snapshot is a point-in-time view of the index geometry. Chain walks go
// through a snapshot so they touch no shared state during I/O and never
// observe a half-applied geometry swap.
type snapshot struct {
	f       *os.File
	buckets uint32
	size    int64
}

func (ix *Index) snapshot() snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return snapshot{f: ix.f, buckets: ix.bucketCount, size: ix.size}
}

// locked builds the snapshot of a handle that is already locked, or not
// yet shared.
func (ix *Index) locked() snapshot {
	return snapshot{f: ix.f, buckets: ix.bucketCount, size: ix.size}
}

// Lookup returns the current entry for name: among all entries whose name
// matches exactly, the one with the maximum sequence. Hash collisions are
// disambiguated by full name comparison. ok is false when no entry
// matches.
func (ix *Index) Lookup(name string) (Entry, bool, error) {
	s := ix.snapshot()
	return s.lookup(name)
}

func (s *snapshot) lookup(name string) (Entry, bool, error) {
	h := xxhash.Sum64String(name)
	head, err := s.readSlot(s.slotOffset(h))
	if err != nil {
		return Entry{}, false, err
	}
	var best Entry
	found := false
	for off := head; off != 0; {
		rec, err := s.readRecord(int64(off))
		if err != nil {
			return Entry{}, false, err
		}
		if rec.hash == h && rec.name == name && (!found || rec.seq > best.Sequence) {
			best = rec.entry()
			found = true
		}
		// Chains grow by head insertion, so pointers strictly decrease.
		if rec.next >= off {
			return Entry{}, false, fmt.Errorf("%w: chain pointer %d not decreasing at %d", ErrCorrupt, rec.next, off)
		}
		off = rec.next
	}
	return best, found, nil
}

// Insert appends an entry for name, makes it durable, publishes it at the
// head of its bucket chain, and returns the assigned sequence. dataEnd is
// the archive's logical end after the member this entry describes; it is
// persisted in the header together with the sequence counter.
func (ix *Index) Insert(name string, loc Locator, dataEnd uint64) (uint64, error) {
	return ix.insert(name, loc, dataEnd, true)
}

// BulkInsert is Insert without the per-entry fsync, for rebuild scans.
// Callers must Sync before relying on the inserted entries.
func (ix *Index) BulkInsert(name string, loc Locator, dataEnd uint64) (uint64, error) {
	return ix.insert(name, loc, dataEnd, false)
}

func (ix *Index) insert(name string, loc Locator, dataEnd uint64, durable bool) (uint64, error) {
	if !ix.writable {
		return 0, errReadOnly
	}
	if name == "" || len(name) > maxNameLen {
		return 0, fmt.Errorf("index: invalid name length %d", len(name))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	s := ix.locked()
	h := xxhash.Sum64String(name)
	slotOff := s.slotOffset(h)
	head, err := s.readSlot(slotOff)
	if err != nil {
		return 0, err
	}

	seq := ix.nextSeq
	entryOff := ix.size
	rec := record{
		next:   head,
		hash:   h,
		offset: loc.Offset,
		size:   loc.Size,
		seq:    seq,
		digest: loc.Digest,
		name:   name,
	}
	if _, err := ix.f.WriteAt(rec.encode(), entryOff); err != nil {
		return 0, fmt.Errorf("append index entry: %w", err)
	}
	if durable {
		// The entry must be durable before anything points at it.
		if err := ix.f.Sync(); err != nil {
			return 0, fmt.Errorf("sync index entry: %w", err)
		}
	}

	ix.nextSeq = seq + 1
	ix.entryCount++
	ix.dataEnd = dataEnd
	ix.lastEntry = uint64(entryOff)
	if len(name) <= lastNameMax {
		ix.lastName = name
	} else {
		ix.lastName = ""
	}
	// Header before slot: if a crash hits between the two, the sequence
	// is consumed and the entry stays orphaned until recoverLog replays
	// it. The reverse order could hand out the same sequence twice.
	if err := ix.writeHeader(); err != nil {
		return 0, err
	}
	var slot [slotSize]byte
	binary.LittleEndian.PutUint64(slot[:], uint64(entryOff))
	if _, err := ix.f.WriteAt(slot[:], slotOff); err != nil {
		return 0, fmt.Errorf("update bucket slot: %w", err)
	}
	if durable {
		if err := ix.f.Sync(); err != nil {
			return 0, fmt.Errorf("sync index: %w", err)
		}
	}
	ix.size = entryOff + int64(rec.encodedLen())
	return seq, nil
}

// Sync flushes the header and any buffered inserts to disk.
func (ix *Index) Sync() error {
	if !ix.writable {
		return errReadOnly
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.writeHeader(); err != nil {
		return err
	}
	if err := ix.f.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	return nil
}

// All returns an iterator over every entry, superseded ones included, in
// bucket order then chain order (newest first within a bucket). The
// iterator is restartable; each range re-walks the snapshot taken here.
func (ix *Index) All() iter.Seq2[Entry, error] {
	return ix.snapshot().entries()
}

func (s snapshot) entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		w := s // per-walk copy; size refreshes stay local
		for b := uint32(0); b < w.buckets; b++ {
			head, err := w.readSlot(headerSize + int64(b)*slotSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for off := head; off != 0; {
				rec, err := w.readRecord(int64(off))
				if err != nil {
					yield(Entry{}, err)
					return
				}
				if !yield(rec.entry(), nil) {
					return
				}
				if rec.next >= off {
					yield(Entry{}, fmt.Errorf("%w: chain pointer %d not decreasing at %d", ErrCorrupt, rec.next, off))
					return
				}
				off = rec.next
			}
		}
	}
}

// Stats describes the index geometry.
type Stats struct {
	Entries      uint64
	Buckets      uint32
	AvgChainLen  float64
	NextSequence uint64
	DataEnd      uint64
}

// Stats returns geometry figures computed from the header alone.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{
		Entries:      ix.entryCount,
		Buckets:      ix.bucketCount,
		NextSequence: ix.nextSeq,
		DataEnd:      ix.dataEnd,
	}
	if ix.bucketCount > 0 {
		s.AvgChainLen = float64(ix.entryCount) / float64(ix.bucketCount)
	}
	return s
}

// NeedsRehash reports whether the average chain length exceeds threshold.
// A threshold of zero disables the check.
func (s Stats) NeedsRehash(threshold float64) bool {
	return threshold > 0 && s.AvgChainLen > threshold
}

func (s *snapshot) entriesStart() int64 {
	return headerSize + int64(s.buckets)*slotSize
}

// slotOffset returns the file offset of the bucket slot for hash h.
func (s *snapshot) slotOffset(h uint64) int64 {
	return headerSize + int64(h%uint64(s.buckets))*slotSize
}

func (s *snapshot) readSlot(off int64) (uint64, error) {
	var buf [slotSize]byte
	if _, err := s.f.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("read bucket slot: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// record is the on-disk entry representation plus its chain pointer.
type record struct {
	next   uint64
	hash   uint64
	offset uint64
	size   uint64
	seq    uint64
	digest [digestSize]byte
	name   string
}

func (r *record) entry() Entry {
	return Entry{
		Name:     r.name,
		Offset:   r.offset,
		Size:     r.size,
		Sequence: r.seq,
		Digest:   r.digest,
	}
}

func (r *record) encodedLen() int {
	return recordFixed + len(r.name)
}

func (r *record) encode() []byte {
	buf := make([]byte, r.encodedLen())
	binary.LittleEndian.PutUint64(buf[0:], r.next)
	binary.LittleEndian.PutUint64(buf[8:], r.hash)
	binary.LittleEndian.PutUint64(buf[16:], r.offset)
	binary.LittleEndian.PutUint64(buf[24:], r.size)
	binary.LittleEndian.PutUint64(buf[32:], r.seq)
	copy(buf[40:], r.digest[:])
	binary.LittleEndian.PutUint16(buf[40+digestSize:], uint16(len(r.name)))
	copy(buf[recordFixed:], r.name)
	return buf
}

// readRecord decodes the record at off. Offsets outside the entry log and
// undecodable records are reported as ErrCorrupt; readers racing the
// writer refresh the snapshot's file size before giving up.
func (s *snapshot) readRecord(off int64) (record, error) {
	var rec record
	if off < s.entriesStart() {
		return rec, fmt.Errorf("%w: entry offset %d inside bucket array", ErrCorrupt, off)
	}
	if off+recordFixed > s.size {
		if err := s.refreshSize(); err != nil {
			return rec, err
		}
		if off+recordFixed > s.size {
			return rec, fmt.Errorf("%w: entry offset %d beyond end of file", ErrCorrupt, off)
		}
	}
	var fixed [recordFixed]byte
	if _, err := s.f.ReadAt(fixed[:], off); err != nil {
		return rec, fmt.Errorf("read index entry: %w", err)
	}
	rec.next = binary.LittleEndian.Uint64(fixed[0:])
	rec.hash = binary.LittleEndian.Uint64(fixed[8:])
	rec.offset = binary.LittleEndian.Uint64(fixed[16:])
	rec.size = binary.LittleEndian.Uint64(fixed[24:])
	rec.seq = binary.LittleEndian.Uint64(fixed[32:])
	copy(rec.digest[:], fixed[40:40+digestSize])
	nameLen := int(binary.LittleEndian.Uint16(fixed[40+digestSize:]))
	if nameLen == 0 || nameLen > maxNameLen {
		return rec, fmt.Errorf("%w: entry at %d has name length %d", ErrCorrupt, off, nameLen)
	}
	if off+int64(recordFixed+nameLen) > s.size {
		if err := s.refreshSize(); err != nil {
			return rec, err
		}
		if off+int64(recordFixed+nameLen) > s.size {
			return rec, fmt.Errorf("%w: entry at %d overruns end of file", ErrCorrupt, off)
		}
	}
	name := make([]byte, nameLen)
	if _, err := s.f.ReadAt(name, off+recordFixed); err != nil {
		return rec, fmt.Errorf("read index entry name: %w", err)
	}
	rec.name = string(name)
	return rec, nil
}

func (s *snapshot) refreshSize() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat index: %w", err)
	}
	s.size = info.Size()
	return nil
}

func (ix *Index) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:], magic[:])
	binary.LittleEndian.PutUint32(buf[8:], formatVersion)
	binary.LittleEndian.PutUint32(buf[12:], ix.bucketCount)
	binary.LittleEndian.PutUint64(buf[16:], ix.nextSeq)
	binary.LittleEndian.PutUint64(buf[24:], ix.entryCount)
	binary.LittleEndian.PutUint64(buf[32:], ix.dataEnd)
	binary.LittleEndian.PutUint64(buf[40:], ix.lastEntry)
	binary.LittleEndian.PutUint16(buf[48:], uint16(len(ix.lastName)))
	copy(buf[50:50+lastNameMax], ix.lastName)
	if _, err := ix.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write index header: %w", err)
	}
	return nil
}

func (ix *Index) readHeader() error {
	var buf [headerSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(ix.f, 0, headerSize), buf[:]); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if [8]byte(buf[0:8]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(buf[8:]); v != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	ix.bucketCount = binary.LittleEndian.Uint32(buf[12:])
	if ix.bucketCount == 0 {
		return fmt.Errorf("%w: zero bucket count", ErrCorrupt)
	}
	ix.nextSeq = binary.LittleEndian.Uint64(buf[16:])
	ix.entryCount = binary.LittleEndian.Uint64(buf[24:])
	ix.dataEnd = binary.LittleEndian.Uint64(buf[32:])
	ix.lastEntry = binary.LittleEndian.Uint64(buf[40:])
	nameLen := int(binary.LittleEndian.Uint16(buf[48:]))
	if nameLen > lastNameMax {
		return fmt.Errorf("%w: last name length %d", ErrCorrupt, nameLen)
	}
	ix.lastName = string(buf[50 : 50+nameLen])
	return nil
}
