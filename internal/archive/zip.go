// Package archive builds and expands the zip containers exchanged with the
// remote service.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/BadgerOps/ijec/internal/manifest"
	"github.com/BadgerOps/ijec/internal/safety"
)

// ConfigName is the member holding the manifest document.
const ConfigName = "config.json"

// maxMemberSize bounds a single decompressed member during extraction.
const maxMemberSize = 1 << 30

// modTime is stamped on every member so the same inputs always produce the
// same bytes, which a mid-upload resume depends on.
var modTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Member is one named blob in an archive.
type Member struct {
	Name string
	Data []byte
}

// Build encodes members into a zip at maximum deflate compression. Members
// are written in the given order.
func Build(members []Member) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, m := range members {
		hdr := &zip.FileHeader{
			Name:     m.Name,
			Method:   zip.Deflate,
			Modified: modTime,
		}
		hdr.SetMode(0644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", m.Name, err)
		}
		if _, err := w.Write(m.Data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", m.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildFromManifest packs config.json followed by every manifest entry.
func BuildFromManifest(m *manifest.Manifest) ([]byte, error) {
	doc, err := m.DocumentJSON()
	if err != nil {
		return nil, err
	}

	members := []Member{{Name: ConfigName, Data: doc}}
	for _, e := range m.Entries() {
		data, err := os.ReadFile(e.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.SourcePath, err)
		}
		members = append(members, Member{Name: e.Name, Data: data})
	}
	return Build(members)
}

// Parse decodes an archive into its file members. Directory entries are
// omitted.
func Parse(data []byte) ([]Member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var members []Member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		content, err := readMember(f)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{Name: f.Name, Data: content})
	}
	return members, nil
}

// Extract expands an archive under dir, creating directories as needed and
// keeping the archive's relative paths. It returns the relative paths of
// the files written.
func Extract(data []byte, dir string) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var written []string
	for _, f := range zr.File {
		dest, err := safety.SafeJoinUnder(dir, f.Name)
		if err != nil {
			return written, fmt.Errorf("archive entry %q: %w", f.Name, err)
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return written, fmt.Errorf("creating %s: %w", dest, err)
			}
			continue
		}

		content, err := readMember(f)
		if err != nil {
			return written, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return written, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return written, fmt.Errorf("writing %s: %w", dest, err)
		}
		written = append(written, filepath.ToSlash(filepath.Clean(filepath.FromSlash(f.Name))))
	}
	return written, nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := safety.ReadAllWithLimit(rc, maxMemberSize)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return content, nil
}
