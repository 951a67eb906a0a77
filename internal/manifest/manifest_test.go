package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BadgerOps/ijec/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func names(m *Manifest) map[string]Platform {
	out := make(map[string]Platform)
	for _, e := range m.Entries() {
		out[e.Name] = e.Platform
	}
	return out
}

func TestBuildPackageAllFiltersExtension(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "a")
	writeFile(t, filepath.Join(entry, "lib", "b.js"), "b")
	writeFile(t, filepath.Join(entry, "readme.txt"), "c")

	m, err := Build(Options{EntryDir: entry, PackageAll: true, Platform: PlatformBrowser})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := names(m)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %v", got)
	}
	for _, name := range []string{"a.js", "lib/b.js"} {
		if got[name] != PlatformBrowser {
			t.Errorf("entry %q = %q, want browser", name, got[name])
		}
	}
	for _, e := range m.Entries() {
		if !filepath.IsAbs(e.SourcePath) {
			t.Errorf("source path %q is not absolute", e.SourcePath)
		}
		if strings.Contains(e.Name, `\`) {
			t.Errorf("archive name %q contains a backslash", e.Name)
		}
	}
}

func TestBuildShallowDirSkipsSubdirectories(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "server", "main.js"), "m")
	writeFile(t, filepath.Join(entry, "server", "nested", "deep.js"), "d")

	m, err := Build(Options{
		EntryDir: entry,
		Dirs:     []Rule{{Path: filepath.Join(entry, "server"), Platform: PlatformNode}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := names(m)
	if len(got) != 1 || got["server/main.js"] != PlatformNode {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestBuildRecursiveDir(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "server", "main.js"), "m")
	writeFile(t, filepath.Join(entry, "server", "nested", "deep.js"), "d")

	m, err := Build(Options{
		EntryDir: entry,
		Dirs:     []Rule{{Path: filepath.Join(entry, "server"), Platform: PlatformNode, Recursive: true}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := names(m)
	if len(got) != 2 || got["server/nested/deep.js"] != PlatformNode {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestBuildLaterRuleOverridesTag(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "boot.js"), "b")
	writeFile(t, filepath.Join(entry, "app.js"), "a")

	m, err := Build(Options{
		EntryDir:   entry,
		PackageAll: true,
		Platform:   PlatformBrowser,
		Files:      []Rule{{Path: filepath.Join(entry, "boot.js"), Platform: PlatformNode}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if got := names(m)["boot.js"]; got != PlatformNode {
		t.Errorf("boot.js = %q, want node", got)
	}
	boot, ok := m.Lookup(filepath.Join(m.EntryDir(), "boot.js"))
	if !ok || boot.Platform != PlatformNode || boot.Name != "boot.js" {
		t.Errorf("Lookup(boot.js) = %+v, %v", boot, ok)
	}
	if _, ok := m.Lookup(filepath.Join(entry, "missing.js")); ok {
		t.Error("Lookup of an unselected file should fail")
	}
	// First-seen order is kept
	entries := m.Entries()
	if entries[0].Name != "app.js" || entries[1].Name != "boot.js" {
		t.Errorf("unexpected order: %v", entries)
	}
}

func TestBuildDefaultsUnsetTagToBrowser(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "a")
	writeFile(t, filepath.Join(entry, "lib", "b.js"), "b")

	m, err := Build(Options{
		EntryDir:   entry,
		PackageAll: true,
		Dirs:       []Rule{{Path: filepath.Join(entry, "lib")}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for _, e := range m.Entries() {
		if e.Platform != PlatformBrowser {
			t.Errorf("%s platform = %q, want browser", e.Name, e.Platform)
		}
	}
	doc, err := m.DocumentJSON()
	if err != nil {
		t.Fatalf("DocumentJSON() error = %v", err)
	}
	want := `{"items":[{"name":"a.js","type":"browser"},{"name":"lib/b.js","type":"browser"}]}`
	if string(doc) != want {
		t.Errorf("DocumentJSON() = %s, want %s", doc, want)
	}
}

func TestBuildSkipsMissingPaths(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "a")

	m, err := Build(Options{
		EntryDir: entry,
		Dirs:     []Rule{{Path: filepath.Join(entry, "nope")}},
		Files:    []Rule{{Path: filepath.Join(entry, "missing.js")}, {Path: filepath.Join(entry, "a.js")}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
}

func TestBuildMissingEntryIsEmpty(t *testing.T) {
	m, err := Build(Options{EntryDir: filepath.Join(t.TempDir(), "gone"), PackageAll: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty manifest, got %d", m.Len())
	}
}

func TestBuildRejectsFileOutsideEntry(t *testing.T) {
	root := t.TempDir()
	entry := filepath.Join(root, "src")
	writeFile(t, filepath.Join(entry, "a.js"), "a")
	writeFile(t, filepath.Join(root, "outside.js"), "o")

	_, err := Build(Options{
		EntryDir: entry,
		Files:    []Rule{{Path: filepath.Join(root, "outside.js")}},
	})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBuildCustomExtensions(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "a")
	writeFile(t, filepath.Join(entry, "b.mjs"), "b")

	m, err := Build(Options{EntryDir: entry, PackageAll: true, Extensions: []string{".mjs"}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := names(m)
	if len(got) != 1 || got["b.mjs"] == "" {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestDocumentJSON(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "a")

	m, err := Build(Options{EntryDir: entry, PackageAll: true, Platform: PlatformNode})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	data, err := m.DocumentJSON()
	if err != nil {
		t.Fatalf("DocumentJSON() error = %v", err)
	}
	if string(data) != `{"items":[{"name":"a.js","type":"node"}]}` {
		t.Errorf("DocumentJSON() = %s", data)
	}

	var empty Manifest
	data, err = json.Marshal(empty.Document())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"items":[]}` {
		t.Errorf("empty document = %s, want items array", data)
	}
}

func TestHashFiles(t *testing.T) {
	entry := t.TempDir()
	writeFile(t, filepath.Join(entry, "a.js"), "hello")

	m, err := Build(Options{EntryDir: entry, PackageAll: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	hashes, err := HashFiles(m)
	if err != nil {
		t.Fatalf("HashFiles() error = %v", err)
	}

	sum := sha1.Sum([]byte("hello"))
	want := hex.EncodeToString(sum[:])
	abs, _ := filepath.Abs(filepath.Join(entry, "a.js"))
	if hashes[abs] != want {
		t.Errorf("hash = %q, want %q", hashes[abs], want)
	}
}

func TestParsePlatform(t *testing.T) {
	tests := map[string]Platform{
		"node":    PlatformNode,
		"NODE":    PlatformNode,
		"browser": PlatformBrowser,
		"":        PlatformBrowser,
		"deno":    PlatformBrowser,
	}
	for in, want := range tests {
		if got := ParsePlatform(in); got != want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionsFromJob(t *testing.T) {
	job := &config.Job{
		EntryDir:   "/src",
		PackageAll: true,
		Type:       "node",
		Dirs:       []config.DirRule{{Name: "/src/lib", Type: "node", Recursive: true}},
		Files:      []config.FileRule{{Name: "/src/a.js"}},
	}
	opts := OptionsFromJob(job)
	if opts.Platform != PlatformNode || !opts.PackageAll {
		t.Errorf("unexpected options: %+v", opts)
	}
	if len(opts.Dirs) != 1 || !opts.Dirs[0].Recursive || opts.Dirs[0].Platform != PlatformNode {
		t.Errorf("unexpected dirs: %+v", opts.Dirs)
	}
	if len(opts.Files) != 1 || opts.Files[0].Platform != PlatformBrowser {
		t.Errorf("unexpected files: %+v", opts.Files)
	}
}
