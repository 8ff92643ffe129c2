package main

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taridx/taridx"
)

// openWritableRetry opens the archive for writing, retrying with
// exponential backoff while another writer holds the lock. The library
// itself never queues on the lock; the retry policy lives here, in the
// caller.
func openWritableRetry(path string, lockTimeout time.Duration, opts ...taridx.Option) (*taridx.Archive, error) {
	if lockTimeout <= 0 {
		return taridx.OpenWritable(path, opts...)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = lockTimeout
	return backoff.RetryWithData(func() (*taridx.Archive, error) {
		a, err := taridx.OpenWritable(path, opts...)
		if err != nil && !errors.Is(err, taridx.ErrWriterConflict) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	}, bo)
}
