package taridx

import "log/slog"

// DefaultRehashThreshold is the average chain length above which Stats
// reports that the index should be rehashed.
const DefaultRehashThreshold = 8.0

// Option configures an Archive handle.
type Option func(*Archive)

// WithBucketCount sets the initial bucket count for Create (and for the
// index written by Rebuild). Zero uses the package default. Ignored when
// opening an existing index, whose geometry is fixed until Rehash.
func WithBucketCount(n uint32) Option {
	return func(a *Archive) {
		a.bucketCount = n
	}
}

// WithRehashThreshold sets the average chain length above which Stats
// reports NeedsRehash. Zero disables the check. Appends never rehash
// implicitly regardless of this setting.
func WithRehashThreshold(avgChainLen float64) Option {
	return func(a *Archive) {
		a.rehashThreshold = avgChainLen
	}
}

// WithVerifyOnRead controls whether Read verifies payload bytes against
// the digest recorded at append time. Enabled by default.
func WithVerifyOnRead(enabled bool) Option {
	return func(a *Archive) {
		a.verifyOnRead = enabled
	}
}

// WithReadCache enables an in-memory payload cache holding up to
// maxEntries members. The cache is purely an optimization: it is keyed by
// content digest and always reconcilable from the files on disk. Zero
// disables caching (the default).
func WithReadCache(maxEntries int) Option {
	return func(a *Archive) {
		a.cacheEntries = maxEntries
	}
}

// WithTailRecovery controls what OpenWritable does with members found
// past the index's recorded archive end after a crash: index them (true,
// the default) or ignore them so the next append overwrites them.
func WithTailRecovery(enabled bool) Option {
	return func(a *Archive) {
		a.tailRecovery = enabled
	}
}

// WithLogger sets a structured logger. By default logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}
