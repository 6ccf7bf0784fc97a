// Package cache remembers HTTP responses on disk so they can be replayed
// for matching requests, without ever holding a full response body in
// memory. The Cache interface is a dumb key-to-entry mapping; HTTP
// semantics (statuses, methods, Vary) live in the HTTPCache decorator so
// storage and policy stay separately composable.
package cache

// Cache is an abstraction of a response cache.
//
// A response cache has a relatively narrow scope: remember a response such
// that it can be recalled later for a matching request. This deliberately
// precludes responsibilities such as automatic invalidation or freshness
// tracking. Users decide when an entry is stale and how to replace it.
type Cache interface {
	// Get retrieves a cached entry matching req. A miss is a normal
	// result and is reported as (nil, nil), never as an error. A corrupt
	// stored entry is purged internally and reported as a miss.
	Get(req Request) (*Entry, error)

	// Add stores a response for req and returns the resulting entry.
	// The response body may be consumed as part of caching: callers must
	// read the returned entry's body instead of the original, and must
	// drain it fully for the entry to become durable.
	//
	// Add must only be called when there is no live entry for the
	// request's key; any prior entry must first be Delete()d. Violating
	// this is a programmer error and implementations panic rather than
	// silently overwrite, since an overwrite could corrupt a
	// concurrently open read stream.
	//
	// A (nil, nil) return means the response was refused (not cached),
	// which is not an error.
	Add(req Request, res Response) (*Entry, error)

	// Delete removes the entry for req. Deleting a non-existent entry is
	// a silent no-op, which avoids check-then-delete races.
	Delete(req Request) error

	// Close releases any resources held by the cache.
	Close() error
}
