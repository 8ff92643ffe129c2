package taridx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/taridx/taridx/internal/index"
	"github.com/taridx/taridx/internal/tarblock"
)

// defaultReadConcurrency bounds parallel archive reads in ReadAll.
const defaultReadConcurrency = 4

// Read returns the payload of the most recent member named name.
// Payload bytes are verified against the digest recorded at append time
// unless disabled with WithVerifyOnRead.
//
// Read is safe concurrently with other readers and with the single
// writer, and never queues behind an in-flight append: lookups walk a
// point-in-time snapshot of the index and only ever return locations
// whose archive bytes were durable before the index published them.
func (a *Archive) Read(name string) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	e, ok, err := a.idx.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %q: %w", name, ErrNotFound)
	}

	if a.cache == nil {
		return a.readMember(e)
	}

	key := string(e.Digest[:])
	if data, ok := a.cache.get(key); ok {
		a.log().Debug("read cache hit", "name", name)
		return data, nil
	}
	a.log().Debug("read cache miss", "name", name)

	// Concurrent reads of the same content are deduplicated.
	v, err, _ := a.readGroup.Do(key, func() (any, error) {
		if data, ok := a.cache.get(key); ok {
			return data, nil
		}
		data, err := a.readMember(e)
		if err != nil {
			return nil, err
		}
		a.cache.put(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBytes(v.([]byte)), nil
}

// readMember decodes and returns the payload at e's archive location.
func (a *Archive) readMember(e index.Entry) ([]byte, error) {
	gotName, data, err := tarblock.ReadAt(a.f, int64(e.Offset), int64(e.Size))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", e.Name, err)
	}
	if gotName != e.Name {
		return nil, fmt.Errorf("%w: member at %d is %q, index says %q",
			ErrCorruptIndex, e.Offset, gotName, e.Name)
	}
	if a.verifyOnRead {
		if sha256.Sum256(data) != e.Digest {
			return nil, fmt.Errorf("%q: %w", e.Name, ErrDigestMismatch)
		}
	}
	return data, nil
}

// ReadAt returns the name and payload of the member with the given
// sequence number, including superseded members. It walks the index, so
// it is an audit tool, not a fast path.
func (a *Archive) ReadAt(sequence uint64) (string, []byte, error) {
	if a.closed.Load() {
		return "", nil, ErrClosed
	}
	for e, err := range a.idx.All() {
		if err != nil {
			return "", nil, err
		}
		if e.Sequence == sequence {
			data, err := a.readMember(e)
			return e.Name, data, err
		}
	}
	return "", nil, fmt.Errorf("sequence %d: %w", sequence, ErrNotFound)
}

// Exists reports whether a member named name has ever been appended.
func (a *Archive) Exists(name string) (bool, error) {
	if a.closed.Load() {
		return false, ErrClosed
	}
	_, ok, err := a.idx.Lookup(name)
	return ok, err
}

// Digest returns the recorded payload digest of the most recent member
// named name. ok is false when the name was never appended.
func (a *Archive) Digest(name string) (digest.Digest, bool, error) {
	if a.closed.Load() {
		return "", false, ErrClosed
	}
	e, ok, err := a.idx.Lookup(name)
	if err != nil || !ok {
		return "", false, err
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(e.Digest[:])), true, nil
}

// Last returns the most recently appended member's listing entry. ok is
// false for an empty archive.
func (a *Archive) Last() (ListingEntry, bool, error) {
	if a.closed.Load() {
		return ListingEntry{}, false, ErrClosed
	}
	if name, ok := a.idx.LastName(); ok {
		e, ok, err := a.idx.Lookup(name)
		if err != nil || !ok {
			return ListingEntry{}, false, err
		}
		return listingEntry(e), true, nil
	}
	// The header could not record the last name (overlong, or empty
	// archive); fall back to scanning for the maximum sequence.
	var best index.Entry
	found := false
	for e, err := range a.idx.All() {
		if err != nil {
			return ListingEntry{}, false, err
		}
		if !found || e.Sequence > best.Sequence {
			best = e
			found = true
		}
	}
	if !found {
		return ListingEntry{}, false, nil
	}
	return listingEntry(best), true, nil
}

// ReadAll reads each named member concurrently and returns payloads in
// the same order as names. It fails on the first error, including
// ErrNotFound for any missing name.
func (a *Archive) ReadAll(names []string) ([][]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	results := make([][]byte, len(names))
	var g errgroup.Group
	g.SetLimit(defaultReadConcurrency)
	for i, name := range names {
		g.Go(func() error {
			data, err := a.Read(name)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// readCache is a bounded payload cache keyed by content digest. It is an
// optimization only; the files on disk remain the source of truth.
type readCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]byte
}

func newReadCache(maxEntries int) *readCache {
	return &readCache{
		max:     maxEntries,
		entries: make(map[string][]byte, maxEntries),
	}
}

func (c *readCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return cloneBytes(data), true
}

func (c *readCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Evict an arbitrary entry; fine for a small working-set cache.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = cloneBytes(data)
}
