// Package discovery enumerates the regular files to tail beneath a root path.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrInvalidDepth = errors.New("depth must be at least 1")

// Discover returns the regular files under root. A root that is itself a
// regular file yields just that file. For a directory, depth 1 returns the
// immediate children and depth N descends N levels. Entries that cannot be
// read are skipped. The result is not deduplicated.
func Discover(root string, depth int) ([]string, error) {
	if depth < 1 {
		return nil, ErrInvalidDepth
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("could not stat %s: %w", root, err)
	}
	if info.Mode().IsRegular() {
		return []string{root}, nil
	}
	if !info.IsDir() {
		return nil, nil
	}

	walkRoot := root
	if linfo, err := os.Lstat(root); err == nil && linfo.Mode()&fs.ModeSymlink != 0 {
		// WalkDir does not follow a symlinked root
		if walkRoot, err = filepath.EvalSymlinks(root); err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", root, err)
		}
	}

	var files []string
	err = filepath.WalkDir(walkRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == walkRoot && entry == nil {
				return err
			}
			logrus.WithField("path", path).WithError(err).Debug("skipping unreadable entry")
			if entry != nil && entry.IsDir() && path != walkRoot {
				return fs.SkipDir
			}
			return nil
		}
		if path == walkRoot {
			return nil
		}

		level := levelOf(walkRoot, path)
		switch {
		case entry.IsDir():
			if level >= depth {
				return fs.SkipDir
			}
		case entry.Type().IsRegular():
			files = append(files, path)
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Stat(path)
			if err == nil && target.Mode().IsRegular() {
				files = append(files, path)
			}
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("could not walk %s: %w", root, err)
	}
	return files, nil
}

// levelOf returns how many levels below root path sits; direct children are 1.
func levelOf(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
