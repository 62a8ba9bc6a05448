package slug

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// countingReader tracks how many compressed bytes were consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// extract decompresses a gzipped tarball from r into dest.
func extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	// Entries are checked against the resolved root so a dest under a
	// symlinked tmpdir still compares equal.
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(root, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := checkResolved(root, target, header.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, dirMode(header)); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := prepareParent(root, target, header.Name); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := prepareParent(root, target, header.Name); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
		case tar.TypeLink:
			source, err := safeJoin(root, header.Linkname)
			if err != nil {
				return err
			}
			if err := checkResolved(root, filepath.Dir(source), header.Linkname); err != nil {
				return err
			}
			if err := prepareParent(root, target, header.Name); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("hardlink %s: %w", target, err)
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	// OpenFile applies the umask; restore the archived mode so exec bits survive.
	return os.Chmod(target, mode)
}

func dirMode(h *tar.Header) os.FileMode {
	mode := os.FileMode(h.Mode).Perm()
	if mode == 0 {
		return 0755
	}
	return mode | 0700
}

// prepareParent makes sure target's directory resolves inside root, creates
// it, and clears whatever target currently is so a later write never follows
// a symlink an earlier entry planted there.
func prepareParent(root, target, name string) error {
	parent := filepath.Dir(target)
	if err := checkResolved(root, parent, name); err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("mkdir parent %s: %w", parent, err)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

// checkResolved follows symlinks in the deepest existing ancestor of path
// and refuses the entry if that lands outside root.
func checkResolved(root, path, name string) error {
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", name, err)
	}
	if !within(root, resolved) {
		return errors.New("archive entry escapes destination through a symlink: " + name)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeJoin resolves name under dest and refuses paths that leave it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !within(dest, target) {
		return "", errors.New("archive entry escapes destination: " + name)
	}
	return target, nil
}
