package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/replay-cache/replay-cache/cache"
)

func newCachingClient(c cache.Cache) *http.Client {
	return &http.Client{
		Transport: New(cache.NewHTTPCache(c, zerolog.Nop()), nil, zerolog.Nop()),
	}
}

func get(t *testing.T, client *http.Client, url string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	res.Body.Close()
	return res, string(body)
}

func TestTransportServesSecondRequestFromCache(t *testing.T) {
	var handleCount int
	r := chi.NewRouter()
	r.Get("/data", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("X-Custom", "some value")
		w.Write([]byte("Hello world"))
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewMemCache())

	_, first := get(t, client, server.URL+"/data", nil)
	res, second := get(t, client, server.URL+"/data", nil)

	if handleCount != 1 {
		t.Fatalf("origin handler called %d times", handleCount)
	}
	if first != "Hello world" || second != "Hello world" {
		t.Fatalf("bodies are %q and %q", first, second)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replayed status is %d", res.StatusCode)
	}
	if res.Header.Get("X-Custom") != "some value" {
		t.Fatalf("replayed headers are %v", res.Header)
	}
}

func TestTransportDoesNotCachePost(t *testing.T) {
	var handleCount int
	r := chi.NewRouter()
	r.Post("/submit", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("Called %d times", handleCount)))
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewMemCache())

	for i := 0; i < 2; i++ {
		res, err := client.Post(server.URL+"/submit", "text/plain", nil)
		if err != nil {
			t.Fatalf("post error: %v", err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	if handleCount != 2 {
		t.Fatalf("origin handler called %d times", handleCount)
	}
}

func TestTransportDoesNotCacheErrors(t *testing.T) {
	var handleCount int
	r := chi.NewRouter()
	r.Get("/broken", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewMemCache())

	get(t, client, server.URL+"/broken", nil)
	res, _ := get(t, client, server.URL+"/broken", nil)

	if handleCount != 2 {
		t.Fatalf("origin handler called %d times", handleCount)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status is %d", res.StatusCode)
	}
}

func TestTransportInvalidatesOnPut(t *testing.T) {
	var handleCount int
	r := chi.NewRouter()
	r.Get("/resource", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("version %d", handleCount)))
	})
	r.Put("/resource", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewMemCache())

	_, first := get(t, client, server.URL+"/resource", nil)
	if first != "version 1" {
		t.Fatalf("first body is %q", first)
	}

	req, _ := http.NewRequest("PUT", server.URL+"/resource", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	res.Body.Close()

	// the write invalidated the entry, so the next read goes to the origin
	_, second := get(t, client, server.URL+"/resource", nil)
	if second != "version 2" {
		t.Fatalf("body after invalidation is %q", second)
	}
	if handleCount != 2 {
		t.Fatalf("origin handler called %d times", handleCount)
	}
}

func TestTransportHonorsVaryOnDisk(t *testing.T) {
	var handleCount int
	r := chi.NewRouter()
	r.Get("/content", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Vary", "Accept")
		w.Write([]byte("for " + r.Header.Get("Accept")))
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewFileCache(t.TempDir(), cache.DefaultLevels, zerolog.Nop()))

	plain := map[string]string{"Accept": "text/plain"}
	html := map[string]string{"Accept": "text/html"}

	_, body := get(t, client, server.URL+"/content", plain)
	if body != "for text/plain" {
		t.Fatalf("body is %q", body)
	}
	get(t, client, server.URL+"/content", plain)
	if handleCount != 1 {
		t.Fatalf("origin handler called %d times after matching vary", handleCount)
	}

	// a different Accept must go to the origin and replace the variant
	_, body = get(t, client, server.URL+"/content", html)
	if body != "for text/html" {
		t.Fatalf("body is %q", body)
	}
	if handleCount != 2 {
		t.Fatalf("origin handler called %d times after vary mismatch", handleCount)
	}
	get(t, client, server.URL+"/content", html)
	if handleCount != 2 {
		t.Fatalf("origin handler called %d times after matching vary", handleCount)
	}

	// only one variant is stored per URI, so the old one is gone
	get(t, client, server.URL+"/content", plain)
	if handleCount != 3 {
		t.Fatalf("origin handler called %d times", handleCount)
	}
}

func TestTransportStreamsFromDisk(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/blob", func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 1024; i++ {
			fmt.Fprintf(w, "chunk %04d\n", i)
		}
	})
	server := httptest.NewServer(r)
	defer server.Close()
	client := newCachingClient(cache.NewFileCache(t.TempDir(), cache.DefaultLevels, zerolog.Nop()))

	_, first := get(t, client, server.URL+"/blob", nil)
	_, second := get(t, client, server.URL+"/blob", nil)
	if first != second {
		t.Fatal("replayed body differs from the original")
	}
	if len(first) != 1024*11 {
		t.Fatalf("body length is %d", len(first))
	}
}
