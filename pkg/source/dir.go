package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// DirFetcher serves snapshots from a local mirror laid out as
// <root>/<owner>/<repo>/<version>/. The default branch lives in a "main"
// directory.
type DirFetcher struct {
	root string
}

// NewDirFetcher creates a fetcher over root
func NewDirFetcher(root string) *DirFetcher {
	return &DirFetcher{root: root}
}

// Fetch copies the mirrored tree into dest
func (d *DirFetcher) Fetch(ctx context.Context, repositoryURL, version, dest string) (*Snapshot, error) {
	owner, repo, err := ParseRepository(repositoryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}

	ref := version
	if ref == "" {
		ref = defaultBranches[0]
	}
	src := filepath.Join(d.root, owner, repo, ref)
	if !filepath.IsLocal(ref) {
		return nil, fmt.Errorf("%w: invalid version %q", plugins.ErrFetchFailed, version)
	}

	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s/%s has no snapshot for %s", plugins.ErrFetchFailed, owner, repo, ref)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}
	if err := CopyTree(src, dest); err != nil {
		return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}
	return &Snapshot{Dir: dest, Version: ref}, nil
}

// LatestVersion returns the highest semantic version directory
func (d *DirFetcher) LatestVersion(ctx context.Context, repositoryURL string) (string, error) {
	owner, repo, err := ParseRepository(repositoryURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}

	entries, err := os.ReadDir(filepath.Join(d.root, owner, repo))
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s: %v", plugins.ErrFetchFailed, owner, repo, err)
	}

	var versions []*semver.Version
	names := make(map[*semver.Version]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
		names[v] = e.Name()
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s/%s has no releases", plugins.ErrFetchFailed, owner, repo)
	}

	sort.Sort(semver.Collection(versions))
	return names[versions[len(versions)-1]], nil
}
