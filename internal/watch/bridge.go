// Package watch turns filesystem notifications into a queue of changed paths.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MuchTitan/riptail/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Bridge subscribes to filesystem notifications for a set of roots and pushes
// the path of every event onto a Queue. It neither filters nor deduplicates.
type Bridge struct {
	watcher        *fsnotify.Watcher
	queue          *Queue[string]
	metrics        *metrics.Metrics
	mu             sync.Mutex
	watched        map[string]struct{}
	recursiveRoots []string
}

func NewBridge(queue *Queue[string], m *metrics.Metrics) (*Bridge, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create filesystem watcher: %w", err)
	}
	return &Bridge{
		watcher: watcher,
		queue:   queue,
		metrics: m,
		watched: make(map[string]struct{}),
	}, nil
}

// Watch subscribes to root. With recursive set, every directory below root is
// watched too, including directories created later.
func (b *Bridge) Watch(root string, recursive bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("could not watch %s: %w", root, err)
	}
	if err := b.add(root); err != nil {
		return fmt.Errorf("could not watch %s: %w", root, err)
	}

	if !recursive || !info.IsDir() {
		logrus.WithField("path", root).Debug("watching path")
		return nil
	}

	b.mu.Lock()
	b.recursiveRoots = append(b.recursiveRoots, filepath.Clean(root))
	b.mu.Unlock()

	b.addTree(root)
	logrus.WithField("path", root).Debug("watching path recursively")
	return nil
}

// Run forwards events until ctx is done or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(event)

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("filesystem watcher error")
		}
	}
}

func (b *Bridge) Close() error {
	return b.watcher.Close()
}

func (b *Bridge) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}

	if event.Has(fsnotify.Create) && b.underRecursiveRoot(event.Name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			b.addTree(event.Name)
		}
	}

	logrus.WithFields(logrus.Fields{
		"path": event.Name,
		"op":   event.Op.String(),
	}).Trace("filesystem event")

	b.queue.Push(event.Name)
	b.metrics.FSEvents.Inc()
}

func (b *Bridge) add(path string) error {
	path = filepath.Clean(path)

	b.mu.Lock()
	_, exists := b.watched[path]
	b.mu.Unlock()
	if exists {
		return nil
	}

	if err := b.watcher.Add(path); err != nil {
		return err
	}

	b.mu.Lock()
	b.watched[path] = struct{}{}
	b.mu.Unlock()
	return nil
}

// addTree watches dir and every directory beneath it. Failures on individual
// subdirectories are logged and skipped.
func (b *Bridge) addTree(dir string) {
	filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if err := b.add(path); err != nil {
			logrus.WithField("path", path).WithError(err).Warn("could not watch directory")
			return fs.SkipDir
		}
		return nil
	})
}

func (b *Bridge) underRecursiveRoot(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, root := range b.recursiveRoots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
