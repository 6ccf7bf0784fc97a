package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultLevels is the default shard depth for the on-disk trees.
const DefaultLevels = 5

// FileCache is a file-based Cache. It keeps two parallel trees under its
// root directory: entries/ holds JSON entry records at paths derived from
// the sha256 of the request URI, and bodies/ holds raw body blobs at
// randomized paths. An entry record is written strictly after its body
// blob is fully in place, so a reader can never observe a record pointing
// at a missing or partial body.
//
// FileCache provides no cross-process locking: two concurrent Adds for the
// same URI race, and the second writer hits the overwrite panic. Callers
// needing real write concurrency must add an exclusive-write-per-key
// discipline on top.
type FileCache struct {
	dir      string
	entryDir string
	bodyDir  string
	levels   int
	logger   zerolog.Logger
}

// NewFileCache returns a cache rooted at dir. levels is the number of
// single-character subdirectory levels used to shard both trees, clamped
// to [0, 20]. logger receives structured cache events (corruption purges,
// unlink failures); pass zerolog.Nop() to silence them.
func NewFileCache(dir string, levels int, logger zerolog.Logger) *FileCache {
	return &FileCache{
		dir:      dir,
		entryDir: filepath.Join(dir, "entries"),
		bodyDir:  filepath.Join(dir, "bodies"),
		levels:   clamp(levels, 0, maxShardLevels),
		logger:   logger,
	}
}

// entryRecord is the persisted representation of an Entry. The body field
// is a path relative to the bodies tree, never inline content.
type entryRecord struct {
	Request  requestRecord  `json:"request"`
	Response responseRecord `json:"response"`
}

type requestRecord struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
}

type responseRecord struct {
	Status  int               `json:"status"`
	Reason  string            `json:"reason"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// errCorrupt marks a stored record that failed to parse or is structurally
// invalid. It never escapes the package: corruption is purged and reported
// as a miss.
var errCorrupt = errors.New("corrupt cache entry")

func (c *FileCache) entryPath(uri string) string {
	return filepath.Join(c.entryDir, shardPath(hashKey(uri), c.levels))
}

func (c *FileCache) Get(req Request) (*Entry, error) {
	path := c.entryPath(req.URI)
	rec, err := c.readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var body *os.File
	if err == nil {
		body, err = os.Open(filepath.Join(c.bodyDir, filepath.FromSlash(rec.Response.Body)))
		if errors.Is(err, fs.ErrNotExist) {
			// A record without its blob is storage inconsistency, not a
			// plain miss: treat it like corruption so it heals itself.
			err = fmt.Errorf("%w: body blob missing at %s", errCorrupt, rec.Response.Body)
		}
	}
	if errors.Is(err, errCorrupt) {
		// Could be left over from a previous bad run or user tampering.
		// Purge the record so the next Add is free to recreate it.
		c.logger.Warn().Err(err).Str("uri", req.URI).Msg("Purging corrupt cache entry")
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			c.logger.Error().Err(rerr).Str("path", path).Msg("Could not remove corrupt entry")
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

// readRecord loads and validates the entry record at path. Decode failures
// and missing required fields report errCorrupt; an absent file reports
// fs.ErrNotExist.
func (c *FileCache) readRecord(path string) (*entryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rec entryRecord
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
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

func (c *FileCache) Add(req Request, res Response) (*Entry, error) {
	entryPath := c.entryPath(req.URI)
	if _, err := os.Stat(entryPath); err == nil {
		panic(fmt.Sprintf("cache: refusing to overwrite live entry for %s (delete it first)", req.URI))
	}

	bodyRel := shardPath(randomKey(), c.levels)
	bodyPath := filepath.Join(c.bodyDir, bodyRel)

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	staging, err := os.CreateTemp(c.dir, "staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	rec := entryRecord{
		Request: requestRecord{
			Method:  req.Method,
			URI:     req.URI,
			Headers: req.Headers,
		},
		Response: responseRecord{
			Status:  res.Status,
			Reason:  res.Reason,
			Headers: res.Headers,
			Body:    filepath.ToSlash(bodyRel),
		},
	}

	// The body streams into the staging file as the caller reads, and only
	// a fully drained body gets finalized. If the caller abandons the read,
	// no entry appears and only the staging file is leaked.
	tee := NewTee(res.Body, staging, func() error {
		return c.finalize(staging, bodyPath, entryPath, rec)
	})

	out := res
	out.Body = tee
	return &Entry{Request: req, Response: out}, nil
}

// finalize moves the fully written staging file into its permanent body
// location and then writes the entry record, in that order.
func (c *FileCache) finalize(staging *os.File, bodyPath, entryPath string, rec entryRecord) error {
	if err := placeBody(staging, bodyPath); err != nil {
		return err
	}
	if err := c.writeRecord(entryPath, rec); err != nil {
		return err
	}
	c.logger.Debug().Str("uri", rec.Request.URI).Str("body", rec.Response.Body).Msg("Cache write")
	return nil
}

// placeBody syncs a fully written staging file and renames it into its
// permanent location, creating parent directories on demand.
func placeBody(staging *os.File, bodyPath string) error {
	if err := staging.Sync(); err != nil {
		return fmt.Errorf("sync body: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return fmt.Errorf("create body directory: %w", err)
	}
	if err := os.Rename(staging.Name(), bodyPath); err != nil {
		return fmt.Errorf("move body into place: %w", err)
	}
	return nil
}

// writeRecord writes the JSON record through a temp file and a rename so a
// concurrent reader never sees a half-written record.
func (c *FileCache) writeRecord(entryPath string, rec entryRecord) error {
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return fmt.Errorf("create entry directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(entryPath), ".entry-*")
	if err != nil {
		return fmt.Errorf("create entry file: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close entry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), entryPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move entry into place: %w", err)
	}
	return nil
}

func (c *FileCache) Delete(req Request) error {
	entryPath := c.entryPath(req.URI)
	rec, err := c.readRecord(entryPath)
	if err != nil && !errors.Is(err, errCorrupt) {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		c.logger.Warn().Err(err).Str("uri", req.URI).Msg("Could not read entry for deletion")
	}

	// Each unlink is attempted independently; a file already gone is
	// success, which avoids exists-unlink races between callers.
	var firstErr error
	if rerr := os.Remove(entryPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		c.logger.Error().Err(rerr).Str("path", entryPath).Msg("Could not remove entry file")
		firstErr = rerr
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

func (c *FileCache) Close() error {
	return nil
}
