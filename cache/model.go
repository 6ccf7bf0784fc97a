package cache

import (
	"io"
	"strings"
)

// Request represents an arbitrary HTTP request, excluding the parts that do
// not affect caching. The body and protocol version are deliberately left
// out. The URI is the sole storage key; headers only take part in Vary
// matching.
type Request struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
}

// Header looks up a request header by name, case-insensitively as per HTTP
// conventions.
func (r Request) Header(name string) (string, bool) {
	return headerValue(r.Headers, name)
}

// Response represents an arbitrary HTTP response, without any bells and
// whistles. The body is a live stream, not a value: whoever holds the
// response owns the stream and is responsible for reading or closing it.
type Response struct {
	Status  int               `json:"status"`
	Reason  string            `json:"reason"`
	Headers map[string]string `json:"headers"`
	Body    io.ReadCloser     `json:"-"`
}

// Header looks up a response header by name, case-insensitively.
func (r Response) Header(name string) (string, bool) {
	return headerValue(r.Headers, name)
}

// Entry is a cached response together with the request it was stored for.
// The response body is always a stream over a stored file or a live Tee,
// never an in-memory buffer, so entries stay cheap no matter how large the
// payload is.
type Entry struct {
	Request  Request
	Response Response
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
