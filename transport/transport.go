// Package transport plugs the response cache into net/http clients. It is
// deliberately thin: all caching decisions live in the cache package, and
// this layer only translates between http types and the cache's model.
package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/replay-cache/replay-cache/cache"
)

// invalidatingMethods are write methods whose success invalidates the
// stored response for the same URI.
var invalidatingMethods = map[string]struct{}{
	"PUT":    {},
	"DELETE": {},
}

// Transport is an http.RoundTripper that replays cached responses and
// offers live ones to the cache as they stream back to the caller. The
// caller must read (or close) the response body as usual; draining it is
// also what makes a freshly stored entry durable.
type Transport struct {
	cache  cache.Cache
	next   http.RoundTripper
	logger zerolog.Logger
}

// New builds a caching round tripper over c. next performs the live
// requests; pass nil for http.DefaultTransport.
func New(c cache.Cache, next http.RoundTripper, logger zerolog.Logger) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{cache: c, next: next, logger: logger}
}

// NewDefault composes the usual stack, HTTP cacheability rules over a file
// cache rooted at dir, behind http.DefaultTransport.
func NewDefault(dir string, logger zerolog.Logger) *Transport {
	store := cache.NewFileCache(dir, cache.DefaultLevels, logger)
	return New(cache.NewHTTPCache(store, logger), nil, logger)
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	req := toCacheRequest(r)

	entry, err := t.cache.Get(req)
	if err != nil {
		t.logger.Error().Err(err).Str("uri", req.URI).Msg("Could not read from cache")
	}
	if entry != nil {
		t.logger.Debug().Str("uri", req.URI).Msg("Cache hit")
		return toHTTPResponse(entry.Response, r), nil
	}

	res, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if _, ok := invalidatingMethods[r.Method]; ok {
		if res.StatusCode < 400 {
			if derr := t.cache.Delete(req); derr != nil {
				t.logger.Error().Err(derr).Str("uri", req.URI).Msg("Could not invalidate cache entry")
			}
		}
		return res, nil
	}
	if r.Method != http.MethodGet {
		// entries are keyed by URI alone, so offering another method to
		// the cache could clear the stored GET entry for the same URI
		return res, nil
	}

	// Add requires a clear key, and a policy miss can still leave a stored
	// variant behind (a Vary mismatch, say), so delete before storing.
	if derr := t.cache.Delete(req); derr != nil {
		t.logger.Error().Err(derr).Str("uri", req.URI).Msg("Could not clear cache entry")
		return res, nil
	}
	stored, err := t.cache.Add(req, toCacheResponse(res))
	if err != nil {
		t.logger.Error().Err(err).Str("uri", req.URI).Msg("Could not write to cache")
		return res, nil
	}
	if stored != nil {
		// The original body is owned by the cache now; reading the
		// returned stream is what persists the entry.
		res.Body = stored.Response.Body
	}
	return res, nil
}

// Close releases the underlying cache.
func (t *Transport) Close() error {
	return t.cache.Close()
}

func toCacheRequest(r *http.Request) cache.Request {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return cache.Request{Method: r.Method, URI: r.URL.String(), Headers: headers}
}

func toCacheResponse(res *http.Response) cache.Response {
	headers := make(map[string]string, len(res.Header))
	for name := range res.Header {
		headers[name] = res.Header.Get(name)
	}
	return cache.Response{
		Status:  res.StatusCode,
		Reason:  reasonPhrase(res),
		Headers: headers,
		Body:    res.Body,
	}
}

// reasonPhrase pulls the reason out of a "200 OK" style status line,
// falling back to the standard text for the code.
func reasonPhrase(res *http.Response) string {
	if _, reason, ok := strings.Cut(res.Status, " "); ok && reason != "" {
		return reason
	}
	return http.StatusText(res.StatusCode)
}

func toHTTPResponse(res cache.Response, r *http.Request) *http.Response {
	header := make(http.Header, len(res.Headers))
	for name, value := range res.Headers {
		header.Set(name, value)
	}
	length := int64(-1)
	if v, ok := res.Header("Content-Length"); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			length = parsed
		}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", res.Status, res.Reason),
		StatusCode:    res.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          res.Body,
		ContentLength: length,
		Request:       r,
	}
}
