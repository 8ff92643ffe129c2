// Package tarblock is the boundary to the tar member codec.
//
// It wraps archive/tar with the pieces an append-and-seek workload needs:
// writing a single member at a known offset, re-reading a member given its
// header offset, and the block alignment math that ties offsets together.
// Everything written here stays a standard tar byte stream so external
// tools can list and extract the archive without the index.
package tarblock

import (
	"archive/tar"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// BlockSize is the tar block size. Headers start on block boundaries and
// payloads are zero-padded up to the next boundary.
const BlockSize = 512

// endMarkerSize is the size of the end-of-archive marker: two zero blocks.
const endMarkerSize = 2 * BlockSize

// Align rounds n up to the next block boundary.
func Align(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// countingReader tracks bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var zeroBlocks [endMarkerSize]byte

// InitEmpty writes an empty archive: just the end-of-archive marker.
func InitEmpty(f *os.File) error {
	if _, err := f.WriteAt(zeroBlocks[:], 0); err != nil {
		return fmt.Errorf("write end-of-archive marker: %w", err)
	}
	return nil
}

// Append encodes one member at dataEnd and rewrites the end-of-archive
// marker after it. It returns the header offset (== dataEnd) and the new
// logical end of member data. The caller is responsible for making the
// write durable before publishing it anywhere.
func Append(f io.WriterAt, dataEnd int64, name string, data []byte, modTime time.Time) (headerOff, newDataEnd int64, err error) {
	cw := &countingWriter{w: io.NewOffsetWriter(f, dataEnd)}
	tw := tar.NewWriter(cw)

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, 0, fmt.Errorf("encode member header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return 0, 0, fmt.Errorf("write member payload: %w", err)
	}
	// Flush pads the payload to a block boundary without emitting the
	// end-of-archive marker.
	if err := tw.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flush member: %w", err)
	}

	newDataEnd = dataEnd + cw.n
	if _, err := f.WriteAt(zeroBlocks[:], newDataEnd); err != nil {
		return 0, 0, fmt.Errorf("write end-of-archive marker: %w", err)
	}
	return dataEnd, newDataEnd, nil
}

// ReadAt decodes the member whose header block starts at off and returns
// its name and payload. size is the expected payload length and is checked
// against the decoded header.
func ReadAt(r io.ReaderAt, off, size int64) (string, []byte, error) {
	tr := tar.NewReader(io.NewSectionReader(r, off, math.MaxInt64-off))
	hdr, err := tr.Next()
	if err != nil {
		return "", nil, fmt.Errorf("decode member header at %d: %w", off, err)
	}
	if hdr.Size != size {
		return "", nil, fmt.Errorf("member at %d: header size %d, expected %d", off, hdr.Size, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(tr, data); err != nil {
		return "", nil, fmt.Errorf("read member payload at %d: %w", off, err)
	}
	return hdr.Name, data, nil
}

// Member describes one member found by Scan.
type Member struct {
	Name      string
	HeaderOff int64
	Size      int64
	End       int64 // offset one past the padded payload
	Digest    [sha256.Size]byte
	ModTime   time.Time
}

// Scan walks members sequentially starting at the block-aligned offset
// start and calls fn for each. It stops at the end-of-archive marker or at
// the first undecodable header, returning the logical end of the last
// complete member. A member that cannot be decoded is reported via
// tar.ErrHeader wrapped in the returned error only when strict is true;
// otherwise the scan ends cleanly before it, which is how a torn trailing
// write is skipped during recovery.
func Scan(r io.ReaderAt, start int64, strict bool, fn func(Member) error) (int64, error) {
	cr := &countingReader{r: io.NewSectionReader(r, start, math.MaxInt64-start)}
	tr := tar.NewReader(cr)
	end := start

	for {
		headerOff := start + Align(cr.n)
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return end, nil
		}
		if err != nil {
			if strict && !errors.Is(err, io.ErrUnexpectedEOF) {
				return end, fmt.Errorf("decode member header at %d: %w", headerOff, err)
			}
			return end, nil
		}
		if hdr.Typeflag != tar.TypeReg {
			// Only regular members are indexed; skip anything else
			// but keep walking past it.
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return end, nil
			}
			end = start + Align(cr.n)
			continue
		}

		h := sha256.New()
		n, err := io.Copy(h, tr)
		if err != nil || n != hdr.Size {
			// Truncated payload: the member never finished writing.
			return end, nil
		}
		memberEnd := start + Align(cr.n)
		if memberEnd > start+cr.n {
			// The payload is followed by zero padding up to the block
			// boundary. If the file ends inside the padding, the member
			// never finished writing either.
			var pad [1]byte
			if _, err := r.ReadAt(pad[:], memberEnd-1); err != nil {
				return end, nil
			}
		}

		m := Member{
			Name:      hdr.Name,
			HeaderOff: headerOff,
			Size:      hdr.Size,
			End:       memberEnd,
			ModTime:   hdr.ModTime,
		}
		copy(m.Digest[:], h.Sum(nil))
		if err := fn(m); err != nil {
			return end, err
		}
		end = m.End
	}
}
