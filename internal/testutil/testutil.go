package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/p-arndt/slugrunner/internal/config"
)

// File is one entry of a fixture slug.
type File struct {
	Body string
	Mode int64
}

// TestConfig returns a Config with sensible test defaults.
func TestConfig(slug string) *config.Config {
	cfg := config.Default()
	cfg.Slug = slug
	cfg.StopTimeout = 0
	cfg.Ledger.Path = ""
	return cfg
}

// SlugBytes builds a gzipped tarball containing files.
func SlugBytes(t *testing.T, files map[string]File) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		f := files[name]
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     mode,
			Size:     int64(len(f.Body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(f.Body)); err != nil {
			t.Fatalf("write tar body %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// WriteSlug writes a fixture slug to a temp dir and returns its path.
func WriteSlug(t *testing.T, files map[string]File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slug.tgz")
	if err := os.WriteFile(path, SlugBytes(t, files), 0644); err != nil {
		t.Fatalf("write slug: %v", err)
	}
	return path
}

// Procfile returns a fixture slug containing only a Procfile.
func Procfile(t *testing.T, body string) string {
	t.Helper()
	return WriteSlug(t, map[string]File{"Procfile": {Body: body}})
}
