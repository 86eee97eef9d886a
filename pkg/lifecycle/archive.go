package lifecycle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/platinummonkey/plugd/pkg/storage"
)

// zipTree writes every regular file under root to w
func zipTree(root string, w io.Writer) error {
	zw := zip.NewWriter(w)
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
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		dst, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// retain stores a zip of an installed tree and prunes old archives. Failures
// are logged; retention never fails an install.
func (m *Manager) retain(ctx context.Context, pluginID, version, root string) {
	if m.archives == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "lifecycle.RetainArchive")
	defer span.End()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(zipTree(root, pw))
	}()

	key := storage.ArchiveKey(pluginID, version, m.now())
	if err := m.archives.Put(ctx, key, pr, "application/zip"); err != nil {
		pr.CloseWithError(err)
		m.logger.Warnf("Failed to archive %s %s: %v", pluginID, version, err)
		return
	}

	removed, err := storage.Prune(ctx, m.archives, pluginID, m.config.ArchiveRetention)
	if err != nil {
		m.logger.Warnf("Failed to prune archives of %s: %v", pluginID, err)
		return
	}
	if removed > 0 {
		m.logger.Debugf("Pruned %d archive(s) of %s", removed, pluginID)
	}
}

// Archives lists the retained archive keys of a plugin, oldest first
func (m *Manager) Archives(ctx context.Context, pluginID string) ([]string, error) {
	if m.archives == nil {
		return nil, nil
	}
	keys, err := m.archives.List(ctx, storage.PluginPrefix(pluginID))
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	return keys, nil
}
