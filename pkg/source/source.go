// Package source fetches plugin repository snapshots into a local directory.
//
// The GitHub fetcher downloads release archives, extracts them with path,
// symlink and size guards, and resolves the latest release through the
// GitHub API. DirFetcher serves snapshots from a local mirror and is used
// for air-gapped deployments and tests.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Snapshot describes a fetched repository tree
type Snapshot struct {
	// Dir holds the extracted tree with the manifest at its root
	Dir string
	// Version is the tag or branch that was fetched
	Version string
	// Archive is the downloaded archive, if any. The caller removes it.
	Archive string
}

// Fetcher retrieves repository snapshots
type Fetcher interface {
	// Fetch extracts the repository at version into dest. An empty version
	// fetches the default branch.
	Fetch(ctx context.Context, repositoryURL, version, dest string) (*Snapshot, error)
	// LatestVersion returns the tag of the newest release
	LatestVersion(ctx context.Context, repositoryURL string) (string, error)
}

// ParseRepository splits a repository URL into owner and name
func ParseRepository(repositoryURL string) (owner, repo string, err error) {
	u, err := url.Parse(strings.TrimSpace(repositoryURL))
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", repositoryURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("invalid repository URL %q: unsupported scheme", repositoryURL)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository URL %q: expected owner/repo", repositoryURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// TreeChecksum hashes every regular file under root, in lexical path order.
// The digest covers relative paths and contents, so renames are detected.
func TreeChecksum(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyTree copies the regular files and directories of src into dst
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("refusing to copy non-regular file %s", rel)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
