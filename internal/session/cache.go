// Package session persists in-flight job progress so an interrupted job can
// resume in a later process.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const recordExt = ".json"

// Cache stores one record file per (app id, entry dir) under a root
// directory. It is safe for a single job at a time per key.
type Cache struct {
	root   string
	logger *slog.Logger
}

// NewCache returns a cache rooted at dir. Call Init before use.
func NewCache(dir string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{root: dir, logger: logger}
}

// Init creates the cache root if it is absent.
func (c *Cache) Init() error {
	if err := os.MkdirAll(c.root, 0700); err != nil {
		return fmt.Errorf("creating session cache %s: %w", c.root, err)
	}
	return nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Key returns appID + "-" + hex(sha256(entryDir)).
func Key(appID, entryDir string) string {
	sum := sha256.Sum256([]byte(entryDir))
	return appID + "-" + hex.EncodeToString(sum[:])
}

// fileName maps a key to a file name in the cache root. The app id part is
// path-escaped so separators and ".." stay inside the root.
func fileName(key string) string {
	return url.PathEscape(key) + recordExt
}

func (c *Cache) path(appID, entryDir string) string {
	return filepath.Join(c.root, fileName(Key(appID, entryDir)))
}

// Load returns the stored record or nil. A missing, unreadable or corrupt
// file is reported as no record.
func (c *Cache) Load(appID, entryDir string) *Record {
	path := c.path(appID, entryDir)
	rec, err := readRecord(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("ignoring unreadable session record", "path", path, "error", err)
		}
		return nil
	}
	return rec
}

// Save writes rec durably. The record is on disk when Save returns.
func (c *Cache) Save(appID, entryDir string, rec *Record) error {
	rec.AppID = appID
	rec.EntryDir = entryDir
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}

	path := c.path(appID, entryDir)
	tmp, err := os.CreateTemp(c.root, ".record-*")
	if err != nil {
		return fmt.Errorf("creating session record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing session record: %w", err)
	}

	c.logger.Debug("session saved", "key", Key(appID, entryDir), "step", rec.Step, "cursor", rec.UploadCursor)
	return nil
}

// Delete removes the record. A missing record is not an error.
func (c *Cache) Delete(appID, entryDir string) error {
	if err := os.Remove(c.path(appID, entryDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting session record: %w", err)
	}
	return nil
}

// Entry describes one stored record for listing.
type Entry struct {
	Key    string
	Record *Record // nil when the file could not be parsed
	Err    error

	file string
}

// List returns every record file in the cache, sorted by key.
func (c *Cache) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing session cache: %w", err)
	}

	var out []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		key := strings.TrimSuffix(name, recordExt)
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}
		rec, err := readRecord(filepath.Join(c.root, name))
		out = append(out, Entry{Key: key, Record: rec, Err: err, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear removes every record, optionally only those of one app id, and
// returns how many were removed.
func (c *Cache) Clear(appID string) (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if appID != "" && !ownedBy(e.Key, appID) {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, e.file)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", e.Key, err)
		}
		removed++
	}
	return removed, nil
}

// ownedBy reports whether key was produced by Key for appID. The hash
// suffix has a fixed length, so app ids sharing a prefix do not collide.
func ownedBy(key, appID string) bool {
	rest, ok := strings.CutPrefix(key, appID+"-")
	return ok && len(rest) == sha256.Size*2
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("parsing session record: %w", err)
	}
	if rec.PerFileHash == nil {
		rec.PerFileHash = make(map[string]string)
	}
	return rec, nil
}
