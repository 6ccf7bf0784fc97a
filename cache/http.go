package cache

import (
	"strings"

	"github.com/rs/zerolog"
)

// HTTPCache augments any Cache with HTTP-specific knowledge: it only
// serves and stores responses that make sense to cache by HTTP rules
// (status allow-list, GET only) and honors Vary headers when matching a
// stored entry against an incoming request. Keeping the rules in a
// decorator lets the storage engines stay dumb key-to-entry mappings, and
// lets policy be extended without touching persistence code.
type HTTPCache struct {
	impl   Cache
	logger zerolog.Logger
}

// NewHTTPCache wraps impl with HTTP cacheability rules. logger receives
// events for rejected entries; pass zerolog.Nop() to silence them.
func NewHTTPCache(impl Cache, logger zerolog.Logger) *HTTPCache {
	return &HTTPCache{impl: impl, logger: logger}
}

func (c *HTTPCache) Get(req Request) (*Entry, error) {
	entry, err := c.impl.Get(req)
	if err != nil || entry == nil {
		return nil, err
	}

	// Once the delegate hands the entry over we own its body stream, so a
	// rejected hit must be closed here or the descriptor leaks.
	reject := func() (*Entry, error) {
		if entry.Response.Body != nil {
			if cerr := entry.Response.Body.Close(); cerr != nil {
				c.logger.Debug().Err(cerr).Str("uri", req.URI).Msg("Could not close rejected entry body")
			}
		}
		return nil, nil
	}

	// Both the incoming and the stored request must be GETs: a non-GET
	// incoming request must never be answered from the cache, and a stored
	// non-GET request marks an entry that should not exist.
	if !cachableStatus(entry.Response.Status) ||
		!cachableMethod(req.Method) || !cachableMethod(entry.Request.Method) {
		return reject()
	}

	for _, name := range varyHeaders(entry.Response) {
		expected, ok := entry.Request.Header(name)
		if !ok {
			// The stored request lacks a header its own response varies
			// on: a malformed or tampered entry, never a hit.
			c.logger.Warn().Str("header", name).Str("uri", req.URI).Msg("Missing vary header in cached request")
			return reject()
		}
		value, ok := req.Header(name)
		if !ok {
			c.logger.Debug().Str("header", name).Msg("Missing vary header in request")
			return reject()
		}
		if value != expected {
			c.logger.Debug().Str("header", name).Str("value", value).Str("expected", expected).Msg("Vary header mismatch in request")
			return reject()
		}
	}

	// TODO gate on a Cache-Control predicate here (no-store and friends);
	// requires expanding the stored entry with timing information.

	return entry, nil
}

func (c *HTTPCache) Add(req Request, res Response) (*Entry, error) {
	// Refusing here keeps non-cacheable responses from ever reaching
	// storage.
	if !cachableStatus(res.Status) || !cachableMethod(req.Method) {
		return nil, nil
	}
	return c.impl.Add(req, res)
}

func (c *HTTPCache) Delete(req Request) error {
	return c.impl.Delete(req)
}

func (c *HTTPCache) Close() error {
	return c.impl.Close()
}

func cachableStatus(status int) bool {
	switch status {
	case 200, 203, 300, 301:
		return true
	}
	return false
}

// TODO HEAD could be cachable too, even served from a stored GET.
func cachableMethod(method string) bool {
	return method == "GET"
}

// varyHeaders parses the comma-separated Vary response header into header
// names. No Vary header means no constraints.
func varyHeaders(res Response) []string {
	raw, ok := res.Header("Vary")
	if !ok {
		return nil
	}
	var names []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
