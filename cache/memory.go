package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// MemCache is an in-memory Cache. Unlike the persistent implementations it
// buffers bodies in memory, so it is only suitable for tests and small
// payloads. It still hands out a Tee from Add: the entry is committed when
// the body has been drained, the same contract as everywhere else.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	request Request
	status  int
	reason  string
	headers map[string]string
	body    []byte
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]memEntry)}
}

func (m *MemCache) Get(req Request) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[req.URI]
	if !ok {
		return nil, nil
	}
	// hand out copies of the header maps so a caller mutating a hit does
	// not corrupt the store
	request := e.request
	request.Headers = cloneHeaders(e.request.Headers)
	return &Entry{
		Request: request,
		Response: Response{
			Status:  e.status,
			Reason:  e.reason,
			Headers: cloneHeaders(e.headers),
			Body:    io.NopCloser(bytes.NewReader(e.body)),
		},
	}, nil
}

func cloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func (m *MemCache) Add(req Request, res Response) (*Entry, error) {
	m.mu.Lock()
	if _, ok := m.entries[req.URI]; ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("cache: refusing to overwrite live entry for %s (delete it first)", req.URI))
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	tee := NewTee(res.Body, nopWriteCloser{&buf}, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.entries[req.URI] = memEntry{
			request: req,
			status:  res.Status,
			reason:  res.Reason,
			headers: res.Headers,
			body:    buf.Bytes(),
		}
		return nil
	})

	out := res
	out.Body = tee
	return &Entry{Request: req, Response: out}, nil
}

func (m *MemCache) Delete(req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, req.URI)
	return nil
}

func (m *MemCache) Close() error {
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
