package taridx

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/taridx/taridx/internal/index"
)

// ListingEntry is one line of a listing export.
type ListingEntry struct {
	Name     string
	Size     uint64
	Offset   uint64 // header block offset in the archive file
	Sequence uint64

	rawDigest [32]byte
}

// Digest returns the recorded payload digest.
func (e ListingEntry) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(e.rawDigest[:]))
}

func listingEntry(e index.Entry) ListingEntry {
	return ListingEntry{
		Name:      e.Name,
		Size:      e.Size,
		Offset:    e.Offset,
		Sequence:  e.Sequence,
		rawDigest: e.Digest,
	}
}

// ExportOption configures ExportListing.
type ExportOption func(*exportConfig)

type exportConfig struct {
	audit bool
	zstd  bool
}

// ExportAudit switches the export to the audit view: every entry ever
// appended, superseded ones included. The default current view emits
// exactly one line per distinct name, the most recent append.
func ExportAudit(enabled bool) ExportOption {
	return func(c *exportConfig) {
		c.audit = enabled
	}
}

// ExportZstd compresses the export output with zstd.
func ExportZstd(enabled bool) ExportOption {
	return func(c *exportConfig) {
		c.zstd = enabled
	}
}

// escapeName escapes the listing field separators: backslash and comma.
var escapeName = strings.NewReplacer(`\`, `\\`, `,`, `\,`)

// ExportListing writes one member per line to w: name, size, offset,
// comma-separated, name first so name-only comparisons against an
// external tar listing are trivial. Entries appear in index iteration
// order (bucket, then chain), not sorted.
//
// The audit view streams with constant memory. The current view must
// resolve recency per name and therefore holds one entry per distinct
// name in memory.
func (a *Archive) ExportListing(w io.Writer, opts ...ExportOption) error {
	if a.closed.Load() {
		return ErrClosed
	}
	cfg := exportConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	out := w
	var enc *zstd.Encoder
	if cfg.zstd {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		out = enc
	}
	bw := bufio.NewWriter(out)

	var err error
	if cfg.audit {
		err = a.exportAudit(bw)
	} else {
		err = a.exportCurrent(bw)
	}
	if err == nil {
		err = bw.Flush()
	}
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (a *Archive) exportAudit(bw *bufio.Writer) error {
	for e, err := range a.idx.All() {
		if err != nil {
			return err
		}
		if err := writeListingLine(bw, e); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) exportCurrent(bw *bufio.Writer) error {
	winners := make(map[string]int)
	var order []index.Entry
	for e, err := range a.idx.All() {
		if err != nil {
			return err
		}
		if i, ok := winners[e.Name]; ok {
			if e.Sequence > order[i].Sequence {
				order[i] = e
			}
			continue
		}
		winners[e.Name] = len(order)
		order = append(order, e)
	}
	for _, e := range order {
		if err := writeListingLine(bw, e); err != nil {
			return err
		}
	}
	return nil
}

func writeListingLine(bw *bufio.Writer, e index.Entry) error {
	_, err := fmt.Fprintf(bw, "%s,%d,%d\n", escapeName.Replace(e.Name), e.Size, e.Offset)
	return err
}

// Entries returns an iterator over every index entry in the audit view,
// in index iteration order. Callers needing recency compare Sequence.
func (a *Archive) Entries() iter.Seq2[ListingEntry, error] {
	return func(yield func(ListingEntry, error) bool) {
		if a.closed.Load() {
			yield(ListingEntry{}, ErrClosed)
			return
		}
		for e, err := range a.idx.All() {
			if err != nil {
				yield(ListingEntry{}, err)
				return
			}
			if !yield(listingEntry(e), nil) {
				return
			}
		}
	}
}

// Len returns the number of index entries, superseded ones included.
func (a *Archive) Len() uint64 {
	return a.idx.Len()
}
