// Package manifest selects the local files that make up a job and derives
// the structure document embedded in the job archive.
package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/ijec/internal/config"
	"github.com/BadgerOps/ijec/internal/safety"
)

// Platform tags a file with the runtime the remote side should target.
type Platform string

const (
	PlatformBrowser Platform = "browser"
	PlatformNode    Platform = "node"
)

// ParsePlatform resolves a configured tag. Anything other than "node",
// including the empty string, is treated as browser.
func ParsePlatform(s string) Platform {
	if Platform(strings.ToLower(strings.TrimSpace(s))) == PlatformNode {
		return PlatformNode
	}
	return PlatformBrowser
}

// Entry is one selected file.
type Entry struct {
	SourcePath string   // absolute local path
	Name       string   // archive name, forward slashes, relative to the entry dir
	Platform   Platform
}

// Rule selects a directory or a single file.
type Rule struct {
	Path      string
	Platform  Platform
	Recursive bool
}

// Options drives Build.
type Options struct {
	EntryDir   string
	PackageAll bool
	Platform   Platform // tag for the whole-tree rule
	Dirs       []Rule
	Files      []Rule
	Extensions []string // defaults to .js
}

// Item is one element of the structure document.
type Item struct {
	Name string   `json:"name"`
	Type Platform `json:"type"`
}

// Document is embedded in the archive as config.json.
type Document struct {
	Items []Item `json:"items"`
}

// Manifest is the ordered set of entries keyed by source path.
type Manifest struct {
	entryDir string
	order    []string
	entries  map[string]Entry
	names    map[string]string // archive name -> source path
}

// OptionsFromJob maps a resolved job configuration onto builder options.
func OptionsFromJob(job *config.Job) Options {
	opts := Options{
		EntryDir:   job.EntryDir,
		PackageAll: job.PackageAll,
		Platform:   ParsePlatform(job.Type),
		Extensions: job.Extensions,
	}
	for _, d := range job.Dirs {
		opts.Dirs = append(opts.Dirs, Rule{Path: d.Name, Platform: ParsePlatform(d.Type), Recursive: d.Recursive})
	}
	for _, f := range job.Files {
		opts.Files = append(opts.Files, Rule{Path: f.Name, Platform: ParsePlatform(f.Type)})
	}
	return opts
}

// Build walks the configured paths and returns the manifest. Missing paths
// are skipped. A file listed by several rules is kept once with the tag of
// the last rule. Two different files resolving to the same archive name, or
// a file outside the entry directory, is a configuration error.
func Build(opts Options) (*Manifest, error) {
	entryDir, err := filepath.Abs(opts.EntryDir)
	if err != nil {
		return nil, fmt.Errorf("resolving entry dir: %w", err)
	}
	b := &builder{
		m: &Manifest{
			entryDir: entryDir,
			entries:  make(map[string]Entry),
			names:    make(map[string]string),
		},
		extensions: opts.Extensions,
	}
	if len(b.extensions) == 0 {
		b.extensions = []string{".js"}
	}

	if opts.PackageAll {
		if err := b.walkRecursive(entryDir, opts.Platform); err != nil {
			return nil, err
		}
	}
	for _, d := range opts.Dirs {
		walk := b.walkShallow
		if d.Recursive {
			walk = b.walkRecursive
		}
		if err := walk(d.Path, d.Platform); err != nil {
			return nil, err
		}
	}
	for _, f := range opts.Files {
		if err := b.addFile(f.Path, f.Platform); err != nil {
			return nil, err
		}
	}
	return b.m, nil
}

type builder struct {
	m          *Manifest
	extensions []string
}

// walkShallow considers files directly inside dir and skips subdirectories.
// A path naming a file is added on its own.
func (b *builder) walkShallow(dir string, platform Platform) error {
	info, err := os.Stat(dir)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return b.addFile(dir, platform)
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", dir, err)
	}
	for _, child := range children {
		childPath := filepath.Join(dir, child.Name())
		childInfo, err := os.Stat(childPath)
		if err != nil || childInfo.IsDir() {
			continue
		}
		if err := b.addFile(childPath, platform); err != nil {
			return err
		}
	}
	return nil
}

// walkRecursive considers every file below dir.
func (b *builder) walkRecursive(dir string, platform Platform) error {
	info, err := os.Stat(dir)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return b.addFile(dir, platform)
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", dir, err)
	}
	for _, child := range children {
		childPath := filepath.Join(dir, child.Name())
		childInfo, err := os.Stat(childPath)
		if err != nil {
			continue
		}
		if childInfo.IsDir() {
			err = b.walkRecursive(childPath, platform)
		} else {
			err = b.addFile(childPath, platform)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// addFile records path under its archive name. An unset or unknown tag
// resolves to browser.
func (b *builder) addFile(path string, platform Platform) error {
	platform = ParsePlatform(string(platform))
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	if !b.matches(abs) {
		return nil
	}

	name, err := safety.SlashRelative(b.m.entryDir, abs)
	if err != nil {
		return &config.ValidationError{Field: "files", Reason: fmt.Sprintf("%s is outside the entry directory", abs)}
	}
	if owner, ok := b.m.names[name]; ok && owner != abs {
		return &config.ValidationError{Field: "files", Reason: fmt.Sprintf("%s and %s both map to archive name %q", owner, abs, name)}
	}

	if _, ok := b.m.entries[abs]; !ok {
		b.m.order = append(b.m.order, abs)
	}
	b.m.entries[abs] = Entry{SourcePath: abs, Name: name, Platform: platform}
	b.m.names[name] = abs
	return nil
}

func (b *builder) matches(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range b.extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// EntryDir returns the absolute entry directory names are relative to.
func (m *Manifest) EntryDir() string {
	return m.entryDir
}

// Len returns the number of selected files.
func (m *Manifest) Len() int {
	return len(m.order)
}

// Entries returns the entries in the order they were first selected.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.entries[p])
	}
	return out
}

// Lookup returns the entry for an absolute source path.
func (m *Manifest) Lookup(sourcePath string) (Entry, bool) {
	e, ok := m.entries[sourcePath]
	return e, ok
}

// Document derives the structure document.
func (m *Manifest) Document() Document {
	doc := Document{Items: make([]Item, 0, len(m.order))}
	for _, e := range m.Entries() {
		doc.Items = append(doc.Items, Item{Name: e.Name, Type: e.Platform})
	}
	return doc
}

// DocumentJSON returns the structure document encoded as JSON.
func (m *Manifest) DocumentJSON() ([]byte, error) {
	data, err := json.Marshal(m.Document())
	if err != nil {
		return nil, fmt.Errorf("encoding manifest document: %w", err)
	}
	return data, nil
}

// HashFiles returns the sha1 hex digest of every selected file keyed by
// source path.
func HashFiles(m *Manifest) (map[string]string, error) {
	hashes := make(map[string]string, len(m.order))
	for _, p := range m.order {
		sum, err := hashFile(p)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", p, err)
		}
		hashes[p] = sum
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
