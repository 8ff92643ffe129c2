package taridx

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/taridx/taridx/internal/index"
	"github.com/taridx/taridx/internal/tarblock"
)

// Member is a (name, payload) pair for AppendAll.
type Member struct {
	Name string
	Data []byte
}

// Append adds a member to the archive and returns its sequence number.
//
// The member's bytes are written to the archive file and made durable
// before the index records them. This ordering is load-bearing: a crash
// between the two steps leaves a durable but unindexed trailing member,
// which the next writable open recovers; the reverse order could leave
// the index pointing at bytes that were never written, which nothing
// could repair.
//
// Appending an existing name supersedes the earlier member; the old
// entry is kept for audit history and ReadAt.
func (a *Archive) Append(name string, data []byte) (uint64, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}
	if !a.writable {
		return 0, ErrReadOnly
	}
	if name == "" {
		return 0, ErrEmptyName
	}
	if len(name) > MaxNameLen {
		return 0, fmt.Errorf("%q (%d bytes): %w", name[:32], len(name), ErrNameTooLong)
	}

	// One append runs end to end before the next begins; interleaving
	// would race the end-of-file offset computation.
	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	headerOff, newEnd, err := tarblock.Append(a.f, a.dataEnd, name, data, time.Now())
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", name, err)
	}
	if err := a.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}

	seq, err := a.idx.Insert(name, index.Locator{
		Offset: uint64(headerOff),
		Size:   uint64(len(data)),
		Digest: sha256.Sum256(data),
	}, uint64(newEnd))
	if err != nil {
		return 0, err
	}
	a.dataEnd = newEnd

	a.log().Debug("appended member",
		"name", name, "sequence", seq, "offset", headerOff, "size", len(data))
	return seq, nil
}

// AppendAll appends members in order and returns their sequence numbers.
// Members are appended one at a time; on error the already-appended
// prefix remains in the archive and their sequences are returned.
func (a *Archive) AppendAll(members []Member) ([]uint64, error) {
	seqs := make([]uint64, 0, len(members))
	for _, m := range members {
		seq, err := a.Append(m.Name, m.Data)
		if err != nil {
			return seqs, fmt.Errorf("append %q: %w", m.Name, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}
