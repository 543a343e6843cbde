package gitsync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/atelierhq/livesync/pkg/errors"
)

// Mirror replaces the contents of dst with the contents of src. The
// destination is rebuilt from scratch, so files that no longer exist in
// the source disappear from the mirror. A missing source directory
// yields an empty destination.
func Mirror(src, dst string) error {
	if err := fs.RemoveAll(dst); err != nil {
		return errors.WithContext(err, "clear mirror")
	}
	if err := fs.MkdirAll(dst, 0755); err != nil {
		return errors.WithContext(err, "create mirror")
	}

	exists, err := afero.DirExists(fs, src)
	if err != nil {
		return errors.WithContext(err, "inspect source")
	}
	if !exists {
		return nil
	}

	err = afero.Walk(fs, src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil || strings.HasPrefix(relPath, "..") {
			return errors.WithContext(err, "normalized path")
		}
		if relPath == "." {
			return nil
		}

		target := filepath.Join(dst, relPath)
		if fi.IsDir() {
			return fs.MkdirAll(target, 0755)
		}

		contents, err := afero.ReadFile(fs, path)
		if err != nil {
			return errors.WithContext(err, "read source file")
		}
		if err := afero.WriteFile(fs, target, contents, fi.Mode()); err != nil {
			return errors.WithContext(err, "write mirrored file")
		}
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "walk source")
	}
	return nil
}
