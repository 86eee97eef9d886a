package source

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxArchiveSize caps the downloaded archive
	DefaultMaxArchiveSize int64 = 50 << 20
	// DefaultMaxExtractedSize caps the total uncompressed size
	DefaultMaxExtractedSize int64 = 200 << 20
	// DefaultMaxFiles caps the number of archive entries
	DefaultMaxFiles = 10000
)

// ErrUnsafeArchive is returned for archives that escape the destination or exceed limits
var ErrUnsafeArchive = errors.New("unsafe archive")

// ExtractLimits bounds archive extraction
type ExtractLimits struct {
	MaxExtractedSize int64
	MaxFiles         int
}

func (l ExtractLimits) withDefaults() ExtractLimits {
	if l.MaxExtractedSize <= 0 {
		l.MaxExtractedSize = DefaultMaxExtractedSize
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	return l
}

// ExtractZip unpacks archive into dest. When every entry lives under one
// top-level directory (owner-repo-ref for GitHub archives) that directory is
// stripped so the manifest ends up at dest's root.
func ExtractZip(archive, dest string, limits ExtractLimits) error {
	limits = limits.withDefaults()

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > limits.MaxFiles {
		return fmt.Errorf("%w: %d entries exceeds limit of %d", ErrUnsafeArchive, len(zr.File), limits.MaxFiles)
	}

	prefix := commonRoot(zr.File)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var written int64
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		if prefix != "" {
			if name+"/" == prefix {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: entry %q escapes destination", ErrUnsafeArchive, f.Name)
		}

		mode := f.Mode()
		target := filepath.Join(dest, filepath.FromSlash(name))
		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("%w: entry %q is a symlink", ErrUnsafeArchive, f.Name)
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode.IsRegular():
			n, err := extractFile(f, target, limits.MaxExtractedSize-written)
			if err != nil {
				return err
			}
			written += n
		default:
			return fmt.Errorf("%w: entry %q has unsupported mode %s", ErrUnsafeArchive, f.Name, mode)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	// The header's uncompressed size is not trusted
	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: extracted size exceeds limit", ErrUnsafeArchive)
	}
	return n, nil
}

// commonRoot returns "dir/" when all entries share a single top-level directory
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := strings.TrimPrefix(f.Name, "./")
		i := strings.Index(name, "/")
		if i <= 0 {
			return ""
		}
		top := name[:i+1]
		if root == "" {
			root = top
		} else if root != top {
			return ""
		}
	}
	return root
}
