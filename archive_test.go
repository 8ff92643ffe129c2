package taridx

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	a, err := Create(filepath.Join(t.TempDir(), "test.tar"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAppendRead(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)

	seq, err := a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	seq, err = a.Append("b.txt", []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	data, err := a.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = a.Read("b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
}

func TestSupersedeMostRecentWins(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)

	seq, err := a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	seq, err = a.Append("b.txt", []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = a.Append("a.txt", []byte("HELLO2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	data, err := a.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO2"), data)
	data, err = a.Read("b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)

	// Both incarnations of a.txt remain in the archive and the index.
	assert.Equal(t, uint64(3), a.Len())

	// The current listing has exactly one line per distinct name.
	var buf bytes.Buffer
	require.NoError(t, a.ExportListing(&buf))
	sizes := parseListing(t, buf.String())
	assert.Equal(t, map[string]uint64{"a.txt": 6, "b.txt": 5}, sizes)
}

// parseListing returns name to size from listing output, failing on
// duplicate names.
func parseListing(t *testing.T, s string) map[string]uint64 {
	t.Helper()
	out := map[string]uint64{}
	for _, line := range strings.Split(strings.TrimSuffix(s, "\n"), "\n") {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3, line)
		_, dup := out[fields[0]]
		require.False(t, dup, "duplicate listing line for %s", fields[0])
		var size uint64
		_, err := fmt.Sscanf(fields[1], "%d", &size)
		require.NoError(t, err)
		out[fields[0]] = size
	}
	return out
}

func TestReadMissing(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	_, err := a.Read("nope")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := a.Exists("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Append("other", []byte("x"))
	require.NoError(t, err)
	_, err = a.Read("nope")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = a.Exists("other")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendRejectsBadNames(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	_, err := a.Append("", []byte("x"))
	require.ErrorIs(t, err, ErrEmptyName)

	_, err = a.Append(strings.Repeat("x", MaxNameLen+1), []byte("x"))
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestEmptyPayload(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	_, err := a.Append("empty", nil)
	require.NoError(t, err)

	data, err := a.Read("empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadOnlyHandle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	ro, err := Open(path)
	require.NoError(t, err)
	defer ro.Close()

	data, err := ro.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = ro.Append("b.txt", []byte("x"))
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, ro.Rehash(8), ErrReadOnly)
}

func TestWriterConflict(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)

	_, err = OpenWritable(path)
	require.ErrorIs(t, err, ErrWriterConflict)
	require.ErrorIs(t, Rebuild(path), ErrWriterConflict)

	// Readers are never blocked by the writer.
	ro, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, ro.Close())

	// Closing the writer releases the lock.
	require.NoError(t, a.Close())
	w, err := OpenWritable(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestClosedHandle(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // idempotent

	_, err := a.Read("a")
	require.ErrorIs(t, err, ErrClosed)
	_, err = a.Append("a", []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = a.Stats()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.ExportListing(io.Discard), ErrClosed)
}

func TestReopenContinuesSequences(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("one"))
	require.NoError(t, err)
	_, err = a.Append("b.txt", []byte("two"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = OpenWritable(path)
	require.NoError(t, err)
	defer a.Close()

	seq, err := a.Append("c.txt", []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	for name, want := range map[string]string{"a.txt": "one", "b.txt": "two", "c.txt": "three"} {
		data, err := a.Read(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestLast(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)

	_, ok, err := a.Last()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	e, ok, err := a.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.txt", e.Name)

	_, err = a.Append("b.txt", []byte("world"))
	require.NoError(t, err)
	e, ok, err = a.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b.txt", e.Name)
	assert.Equal(t, uint64(5), e.Size)
	assert.Equal(t, uint64(1), e.Sequence)
}

func TestLastLongName(t *testing.T) {
	t.Parallel()

	// Overlong names skip the header fast path; Last falls back to a scan.
	a := newTestArchive(t)
	long := "dir/" + strings.Repeat("n", 300)
	_, err := a.Append("short", []byte("x"))
	require.NoError(t, err)
	_, err = a.Append(long, []byte("y"))
	require.NoError(t, err)

	e, ok, err := a.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, long, e.Name)
	assert.Equal(t, uint64(1), e.Sequence)
}

func TestReadAtSequence(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	_, err := a.Append("a.txt", []byte("old"))
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("new"))
	require.NoError(t, err)

	// Superseded payloads stay reachable by sequence.
	name, data, err := a.ReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", name)
	assert.Equal(t, []byte("old"), data)

	name, data, err = a.ReadAt(1)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", name)
	assert.Equal(t, []byte("new"), data)

	_, _, err = a.ReadAt(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAllReadAll(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	members := []Member{
		{Name: "x", Data: []byte("ex")},
		{Name: "y", Data: []byte("why")},
		{Name: "z", Data: []byte("zed")},
	}
	seqs, err := a.AppendAll(members)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, seqs)

	got, err := a.ReadAll([]string{"z", "x", "y"})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("zed"), []byte("ex"), []byte("why")}, got)

	_, err = a.ReadAll([]string{"x", "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAllStopsOnError(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	seqs, err := a.AppendAll([]Member{
		{Name: "ok", Data: []byte("1")},
		{Name: "", Data: []byte("2")},
		{Name: "never", Data: []byte("3")},
	})
	require.ErrorIs(t, err, ErrEmptyName)
	assert.Equal(t, []uint64{0}, seqs)

	ok, err := a.Exists("never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDigest(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t)
	_, err := a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)

	d, ok, err := a.Digest("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	// sha256("hello")
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.String())

	_, ok, err = a.Digest("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExternalTarReaderSeesAllMembers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	_, err = a.Append("b.txt", []byte("world"))
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("HELLO2"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Plain tar tools see the full history, duplicates included, with the
	// later duplicate last.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	tr := tar.NewReader(f)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "a.txt"}, names)
}

func TestVerifyOnRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)
	_, err = a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)
	e, ok, err := a.idx.Lookup("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Close())

	// Flip a payload byte on disk. The header is a single block for a
	// short name, so the payload starts one block after the header offset.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("X"), int64(e.Offset)+512)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ro, err := Open(path)
	require.NoError(t, err)
	defer ro.Close()
	_, err = ro.Read("a.txt")
	require.ErrorIs(t, err, ErrDigestMismatch)

	// Verification off: the corrupted bytes come back as stored.
	raw, err := Open(path, WithVerifyOnRead(false))
	require.NoError(t, err)
	defer raw.Close()
	data, err := raw.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("Xello"), data)
}

func TestReadCache(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t, WithReadCache(4))
	_, err := a.Append("a.txt", []byte("hello"))
	require.NoError(t, err)

	data, err := a.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// Callers own the returned slice; mutating it must not poison the
	// cache.
	data[0] = 'X'
	data, err = a.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestConcurrentReadersWithWriter(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t, WithReadCache(16))
	for i := range 20 {
		_, err := a.Append(fmt.Sprintf("m%02d", i), []byte(strings.Repeat("p", i+1)))
		require.NoError(t, err)
	}

	// Readers run until the writer finishes so the two sides genuinely
	// overlap; the writer side is fsync-bound and much slower.
	var done atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; !done.Load(); round++ {
				name := fmt.Sprintf("m%02d", round%20)
				data, err := a.Read(name)
				if err != nil {
					errs <- err
					return
				}
				if len(data) != round%20+1 {
					errs <- fmt.Errorf("%s: got %d bytes", name, len(data))
					return
				}
				if _, _, err := a.Last(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 20; i < 60; i++ {
		_, err := a.Append(fmt.Sprintf("w%02d", i), []byte(strings.Repeat("p", i+1)))
		require.NoError(t, err)
	}
	done.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestStatsAndRehash(t *testing.T) {
	t.Parallel()

	a := newTestArchive(t, WithBucketCount(2), WithRehashThreshold(4))
	for i := range 20 {
		_, err := a.Append(fmt.Sprintf("m%d", i), []byte("x"))
		require.NoError(t, err)
	}

	s, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), s.Entries)
	assert.Equal(t, uint32(2), s.Buckets)
	assert.True(t, s.NeedsRehash)

	require.NoError(t, a.Rehash(64))
	s, err = a.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(64), s.Buckets)
	assert.False(t, s.NeedsRehash)

	// Every member survives the rehash, and appends continue.
	for i := range 20 {
		data, err := a.Read(fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), data)
	}
	seq, err := a.Append("after", []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), seq)
}

func TestCreateRefusesExistingArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tar")
	a, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = Create(path)
	require.Error(t, err)
}
