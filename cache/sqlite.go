package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// SQLiteCache is a Cache that keeps entry records in a sqlite database
// while streaming bodies into the same sharded on-disk tree FileCache
// uses. The row for an entry is inserted only after its body file has been
// renamed into place, so the visibility ordering holds here too. Bodies
// are never stored in the database: a blob column would mean buffering
// whole payloads in memory.
type SQLiteCache struct {
	db      *sql.DB
	dir     string
	bodyDir string
	levels  int
	logger  zerolog.Logger
}

// NewSQLiteCache opens (or creates) a cache rooted at dir, with entry
// records in dir/entries.db and bodies under dir/bodies. levels is clamped
// to [0, 20].
func NewSQLiteCache(dir string, levels int, logger zerolog.Logger) (*SQLiteCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "entries.db"))
	if err != nil {
		return nil, fmt.Errorf("open entries database: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		uri TEXT NOT NULL,
		request_headers TEXT NOT NULL,
		status INTEGER NOT NULL,
		reason TEXT NOT NULL,
		response_headers TEXT NOT NULL,
		body TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create entries table: %w", err)
	}
	return &SQLiteCache{
		db:      db,
		dir:     dir,
		bodyDir: filepath.Join(dir, "bodies"),
		levels:  clamp(levels, 0, maxShardLevels),
		logger:  logger,
	}, nil
}

func (c *SQLiteCache) Get(req Request) (*Entry, error) {
	key := hashKey(req.URI)
	rec, err := c.readRow(key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	var body *os.File
	if err == nil {
		body, err = os.Open(filepath.Join(c.bodyDir, filepath.FromSlash(rec.Response.Body)))
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: body blob missing at %s", errCorrupt, rec.Response.Body)
		}
	}
	if errors.Is(err, errCorrupt) {
		c.logger.Warn().Err(err).Str("uri", req.URI).Msg("Purging corrupt cache entry")
		if _, derr := c.db.Exec(`DELETE FROM entries WHERE key = ?`, key); derr != nil {
			c.logger.Error().Err(derr).Str("key", key).Msg("Could not remove corrupt entry row")
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Entry{
		Request: Request{
			Method:  rec.Request.Method,
			URI:     rec.Request.URI,
			Headers: rec.Request.Headers,
		},
		Response: Response{
			Status:  rec.Response.Status,
			Reason:  rec.Response.Reason,
			Headers: rec.Response.Headers,
			Body:    body,
		},
	}, nil
}

// readRow loads and validates the entry row for key. Undecodable header
// JSON and missing required columns report errCorrupt; an absent row
// reports sql.ErrNoRows.
func (c *SQLiteCache) readRow(key string) (*entryRecord, error) {
	var (
		rec                    entryRecord
		reqHeaders, resHeaders string
	)
	err := c.db.QueryRow(
		`SELECT method, uri, request_headers, status, reason, response_headers, body FROM entries WHERE key = ?`, key,
	).Scan(
		&rec.Request.Method, &rec.Request.URI, &reqHeaders,
		&rec.Response.Status, &rec.Response.Reason, &resHeaders, &rec.Response.Body,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reqHeaders), &rec.Request.Headers); err != nil {
		return nil, fmt.Errorf("%w: request headers: %v", errCorrupt, err)
	}
	if err := json.Unmarshal([]byte(resHeaders), &rec.Response.Headers); err != nil {
		return nil, fmt.Errorf("%w: response headers: %v", errCorrupt, err)
	}
	if rec.Request.Method == "" || rec.Request.URI == "" ||
		rec.Response.Status == 0 || rec.Response.Body == "" {
		return nil, fmt.Errorf("%w: missing required fields", errCorrupt)
	}
	// a tampered body location must never reach outside the bodies tree
	if !filepath.IsLocal(filepath.FromSlash(rec.Response.Body)) {
		return nil, fmt.Errorf("%w: body path %s escapes the cache root", errCorrupt, rec.Response.Body)
	}
	return &rec, nil
}

func (c *SQLiteCache) Add(req Request, res Response) (*Entry, error) {
	key := hashKey(req.URI)
	var live int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE key = ?`, key).Scan(&live); err != nil {
		return nil, fmt.Errorf("check for live entry: %w", err)
	}
	if live > 0 {
		panic(fmt.Sprintf("cache: refusing to overwrite live entry for %s (delete it first)", req.URI))
	}

	reqHeaders, err := json.Marshal(req.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode request headers: %w", err)
	}
	resHeaders, err := json.Marshal(res.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode response headers: %w", err)
	}

	bodyRel := shardPath(randomKey(), c.levels)
	bodyPath := filepath.Join(c.bodyDir, bodyRel)

	staging, err := os.CreateTemp(c.dir, "staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	tee := NewTee(res.Body, staging, func() error {
		if err := placeBody(staging, bodyPath); err != nil {
			return err
		}
		_, err := c.db.Exec(
			`INSERT INTO entries (key, method, uri, request_headers, status, reason, response_headers, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key, req.Method, req.URI, string(reqHeaders),
			res.Status, res.Reason, string(resHeaders), filepath.ToSlash(bodyRel),
		)
		if err != nil {
			return fmt.Errorf("insert entry row: %w", err)
		}
		c.logger.Debug().Str("uri", req.URI).Str("body", bodyRel).Msg("Cache write")
		return nil
	})

	out := res
	out.Body = tee
	return &Entry{Request: req, Response: out}, nil
}

func (c *SQLiteCache) Delete(req Request) error {
	key := hashKey(req.URI)
	rec, err := c.readRow(key)
	if err != nil && !errors.Is(err, errCorrupt) {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		c.logger.Warn().Err(err).Str("uri", req.URI).Msg("Could not read entry for deletion")
	}

	var firstErr error
	if _, derr := c.db.Exec(`DELETE FROM entries WHERE key = ?`, key); derr != nil {
		c.logger.Error().Err(derr).Str("key", key).Msg("Could not remove entry row")
		firstErr = derr
	}
	if rec != nil {
		bodyPath := filepath.Join(c.bodyDir, filepath.FromSlash(rec.Response.Body))
		if rerr := os.Remove(bodyPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			c.logger.Error().Err(rerr).Str("path", bodyPath).Msg("Could not remove body file")
			if firstErr == nil {
				firstErr = rerr
			}
		}
	}
	return firstErr
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
