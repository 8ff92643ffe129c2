package tarblock

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "test.tar"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, InitEmpty(f))
	return f
}

func TestAppendReadRoundtrip(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	members := []struct {
		name string
		data []byte
	}{
		{"a.txt", []byte("hello")},
		{"dir/b.bin", bytes.Repeat([]byte{0xAB}, 1500)},
		{strings.Repeat("long/", 40) + "name.txt", []byte("pax header path")},
		{"empty", nil},
	}

	var dataEnd int64
	offsets := make([]int64, len(members))
	for i, m := range members {
		off, newEnd, err := Append(f, dataEnd, m.name, m.data, time.Now())
		require.NoError(t, err)
		assert.Equal(t, dataEnd, off)
		assert.Zero(t, newEnd%BlockSize)
		offsets[i] = off
		dataEnd = newEnd
	}

	for i, m := range members {
		name, data, err := ReadAt(f, offsets[i], int64(len(m.data)))
		require.NoError(t, err)
		assert.Equal(t, m.name, name)
		assert.Equal(t, m.data, data)
	}
}

func TestReadAtSizeMismatch(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	_, _, err := Append(f, 0, "a.txt", []byte("hello"), time.Now())
	require.NoError(t, err)

	_, _, err = ReadAt(f, 0, 99)
	require.Error(t, err)
}

func TestExternalTarReader(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	want := map[string][]byte{
		"one.txt": []byte("first"),
		"two.txt": []byte("second"),
	}
	var dataEnd int64
	for _, name := range []string{"one.txt", "two.txt"} {
		var err error
		_, dataEnd, err = Append(f, dataEnd, name, want[name], time.Now())
		require.NoError(t, err)
	}

	// The file must remain readable by a plain tar reader from the start.
	_, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	tr := tar.NewReader(f)
	got := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[hdr.Name] = data
	}
	assert.Equal(t, want, got)
}

func TestScan(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	payloads := map[string][]byte{
		"a": []byte("aaa"),
		"b": bytes.Repeat([]byte("b"), 600),
		"c": []byte("ccc"),
	}
	var dataEnd int64
	wantOffsets := map[string]int64{}
	for _, name := range []string{"a", "b", "c"} {
		off, newEnd, err := Append(f, dataEnd, name, payloads[name], time.Now())
		require.NoError(t, err)
		wantOffsets[name] = off
		dataEnd = newEnd
	}

	var got []Member
	end, err := Scan(f, 0, true, func(m Member) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, dataEnd, end)
	require.Len(t, got, 3)
	for _, m := range got {
		assert.Equal(t, wantOffsets[m.Name], m.HeaderOff)
		assert.Equal(t, int64(len(payloads[m.Name])), m.Size)
		assert.Equal(t, [sha256.Size]byte(sha256.Sum256(payloads[m.Name])), m.Digest)
	}
	assert.Equal(t, dataEnd, got[2].End)
}

func TestScanFromOffset(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	_, mid, err := Append(f, 0, "a", []byte("aaa"), time.Now())
	require.NoError(t, err)
	_, end, err := Append(f, mid, "b", []byte("bbb"), time.Now())
	require.NoError(t, err)

	var names []string
	gotEnd, err := Scan(f, mid, true, func(m Member) error {
		names = append(names, m.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
	assert.Equal(t, end, gotEnd)
}

func TestScanTornTail(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	_, dataEnd, err := Append(f, 0, "good", []byte("payload"), time.Now())
	require.NoError(t, err)

	// A torn header block from a crashed append: nonzero garbage that
	// fails the tar checksum.
	garbage := bytes.Repeat([]byte{'x'}, BlockSize)
	_, err = f.WriteAt(garbage, dataEnd)
	require.NoError(t, err)

	var names []string
	end, err := Scan(f, 0, false, func(m Member) error {
		names = append(names, m.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, names)
	assert.Equal(t, dataEnd, end)

	_, err = Scan(f, 0, true, func(Member) error { return nil })
	require.Error(t, err)
}

func TestScanTruncatedPadding(t *testing.T) {
	t.Parallel()

	f := newTestFile(t)
	_, mid, err := Append(f, 0, "good", []byte("payload"), time.Now())
	require.NoError(t, err)
	_, end, err := Append(f, mid, "cut", []byte("short"), time.Now())
	require.NoError(t, err)

	// Chop inside the last member's padding: header and payload survive,
	// but the member never finished writing.
	require.NoError(t, f.Truncate(end-100))

	var names []string
	gotEnd, err := Scan(f, 0, false, func(m Member) error {
		names = append(names, m.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, names)
	assert.Equal(t, mid, gotEnd)
}

func TestAlign(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), Align(0))
	assert.Equal(t, int64(512), Align(1))
	assert.Equal(t, int64(512), Align(512))
	assert.Equal(t, int64(1024), Align(513))
}
