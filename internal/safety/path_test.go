package safety

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "a/b/c.js")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	for _, bad := range []string{"../escape.js", "/abs/path.js", `..\escape.js`, "a/../../x.js"} {
		if _, err := SafeJoinUnder(root, bad); err == nil {
			t.Errorf("expected %q to fail", bad)
		}
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.js"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestSlashRelative(t *testing.T) {
	root := t.TempDir()

	got, err := SlashRelative(root, filepath.Join(root, "lib", "deep", "a.js"))
	if err != nil {
		t.Fatalf("SlashRelative returned error: %v", err)
	}
	if got != "lib/deep/a.js" {
		t.Errorf("SlashRelative = %q, want lib/deep/a.js", got)
	}

	if _, err := SlashRelative(root, filepath.Dir(root)); err == nil {
		t.Error("expected parent of root to fail")
	}
	if _, err := SlashRelative(root, root); err == nil {
		t.Error("expected root itself to fail")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("http://127.0.0.1:3000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"ftp://host", "http://", "http://u:p@host", "::bad"} {
		if _, err := ValidateHTTPURL(bad); err == nil {
			t.Errorf("expected %q to fail", bad)
		}
	}
}
