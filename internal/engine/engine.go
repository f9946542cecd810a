package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/discovery"
	"github.com/MuchTitan/riptail/internal/input/tail"
	"github.com/MuchTitan/riptail/internal/metrics"
	"github.com/MuchTitan/riptail/internal/output"
	"github.com/MuchTitan/riptail/internal/registry"
	"github.com/MuchTitan/riptail/internal/util"
	"github.com/MuchTitan/riptail/internal/watch"
	"github.com/sirupsen/logrus"
)

const maxBatch = 100

var ErrNoRoots = errors.New("no paths to watch")

// WatchRoot is a configured starting path. Depth only applies when Recursive
// is set; a non-recursive directory is scanned one level deep.
type WatchRoot struct {
	Path      string
	Recursive bool
	Depth     int
}

func (r WatchRoot) EffectiveDepth() int {
	if !r.Recursive || r.Depth < 1 {
		return 1
	}
	return r.Depth
}

type Options struct {
	Roots     []WatchRoot
	Tail      tail.Config
	Outputs   []output.Plugin
	ErrorSink internal.ErrorSink
	Metrics   *metrics.Metrics
}

// Engine discovers files under the configured roots, starts one tail task per
// distinct file and keeps doing so for every filesystem notification.
type Engine struct {
	roots    []WatchRoot
	tailCfg  tail.Config
	outputs  []output.Plugin
	errSink  internal.ErrorSink
	metrics  *metrics.Metrics
	registry *registry.Registry
	queue    *watch.Queue[string]
	bridge   *watch.Bridge
	tasks    *Supervisor
	pipeline chan internal.Event
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func New(opts Options) (*Engine, error) {
	if len(opts.Roots) == 0 {
		return nil, ErrNoRoots
	}
	for _, root := range opts.Roots {
		if root.Recursive && root.Depth < 1 {
			return nil, fmt.Errorf("root %s: %w", root.Path, discovery.ErrInvalidDepth)
		}
	}
	if _, err := tail.LookupEncoding(opts.Tail.Encoding); err != nil {
		return nil, err
	}
	if opts.ErrorSink == nil {
		opts.ErrorSink = internal.LogErrorSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	queue := watch.NewQueue[string]()
	bridge, err := watch.NewBridge(queue, opts.Metrics)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		roots:    opts.Roots,
		tailCfg:  opts.Tail,
		outputs:  opts.Outputs,
		errSink:  opts.ErrorSink,
		metrics:  opts.Metrics,
		registry: registry.New(),
		queue:    queue,
		bridge:   bridge,
		tasks:    NewSupervisor(ctx, opts.ErrorSink, opts.Metrics),
		pipeline: make(chan internal.Event, 1000),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Start tails every file under the roots and subscribes to their changes.
// A root that is missing or cannot be watched stops the engine and is
// returned as an error.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go e.processRecords()

	for _, root := range e.roots {
		if err := e.bootstrap(root); err != nil {
			// Outputs are not exited so nothing is reported for a run that
			// never started.
			e.stopOnce.Do(func() { e.stopErr = e.shutdown(false) })
			return err
		}
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.bridge.Run(e.ctx)
	}()
	go e.dispatchLoop()

	logrus.WithField("files", e.registry.Len()).Info("Tailing started")
	return nil
}

func (e *Engine) bootstrap(root WatchRoot) error {
	if _, err := os.Stat(root.Path); err != nil {
		return fmt.Errorf("cannot watch %s: %w", root.Path, err)
	}

	files, err := discovery.Discover(root.Path, root.EffectiveDepth())
	if err != nil {
		return fmt.Errorf("cannot scan %s: %w", root.Path, err)
	}
	for _, path := range files {
		e.watchFile(path)
	}

	if err := e.bridge.Watch(root.Path, root.Recursive); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"path":      root.Path,
		"recursive": root.Recursive,
		"depth":     root.EffectiveDepth(),
		"files":     len(files),
	}).Info("Watching root")
	return nil
}

// dispatchLoop consumes notified paths until the engine stops.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		path, err := e.queue.Pop(e.ctx)
		if err != nil {
			return
		}
		e.dispatch(path)
	}
}

func (e *Engine) dispatch(path string) {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logrus.WithField("path", path).WithError(err).Debug("cannot inspect notified path")
		}
		return
	}

	switch {
	case info.Mode().IsRegular():
		e.watchFile(path)
	case info.IsDir():
		files, err := discovery.Discover(path, e.depthFor(path))
		if err != nil {
			logrus.WithField("path", path).WithError(err).Debug("cannot scan notified directory")
			return
		}
		for _, file := range files {
			e.watchFile(file)
		}
	}
}

// depthFor returns the discovery depth of the innermost root containing path.
func (e *Engine) depthFor(path string) int {
	depth, best := 1, -1
	for _, root := range e.roots {
		rootPath := filepath.Clean(root.Path)
		rel, err := filepath.Rel(rootPath, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(rootPath) > best {
			depth, best = root.EffectiveDepth(), len(rootPath)
		}
	}
	return depth
}

// watchFile registers the canonical form of path and starts a tail task if
// nobody has registered it before.
func (e *Engine) watchFile(path string) {
	canonical, err := util.Canonical(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logrus.WithField("path", path).WithError(err).Warn("cannot resolve path")
		}
		return
	}
	if !e.registry.TryRegister(canonical) {
		return
	}
	e.metrics.FilesRegistered.Inc()

	task, err := tail.New(canonical, e.tailCfg)
	if err != nil {
		e.errSink.Report(&internal.FileError{Source: canonical, Err: err})
		return
	}

	logrus.WithFields(logrus.Fields{
		"path": canonical,
		"task": task.ID(),
	}).Debug("Tailing file")

	e.tasks.Go(canonical, func(ctx context.Context) error {
		return task.Run(ctx, e.pipeline)
	})
}

// processRecords hands lines to the outputs. Lines already waiting in the
// pipeline are batched into the same write.
func (e *Engine) processRecords() {
	defer e.wg.Done()

	buffer := make([]internal.Event, 0, maxBatch)
	for {
		select {
		case <-e.ctx.Done():
			e.flush(e.collect(buffer[:0]))
			return

		case event := <-e.pipeline:
			buffer = e.collect(append(buffer[:0], event))
			e.flush(buffer)
		}
	}
}

func (e *Engine) collect(buffer []internal.Event) []internal.Event {
	for len(buffer) < maxBatch {
		select {
		case event := <-e.pipeline:
			buffer = append(buffer, event)
		default:
			return buffer
		}
	}
	return buffer
}

// flush writes records to all output plugins
func (e *Engine) flush(records []internal.Event) {
	if len(records) == 0 {
		return
	}
	for _, out := range e.outputs {
		if err := out.Write(records); err != nil {
			logrus.WithField("output", out.Name()).WithError(err).Error("could not write to output")
		}
	}
	e.metrics.LinesEmitted.Add(float64(len(records)))
}

// Stop cancels every task and the dispatch loop, waits for them and closes the
// outputs. It returns the joined fatal errors of the tail tasks.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { e.stopErr = e.shutdown(true) })
	return e.stopErr
}

func (e *Engine) shutdown(exitOutputs bool) error {
	e.cancel()
	e.queue.Close()
	if err := e.bridge.Close(); err != nil {
		logrus.WithError(err).Warn("could not close filesystem watcher")
	}
	e.wg.Wait()
	err := e.tasks.Wait()

	files := e.registry.Paths()
	for _, out := range e.outputs {
		if err := out.Flush(); err != nil {
			logrus.WithField("output", out.Name()).WithError(err).Error("could not flush output")
		}
		if !exitOutputs {
			continue
		}
		if tracker, ok := out.(output.Tracker); ok {
			tracker.Track(files)
		}
		if err := out.Exit(); err != nil {
			logrus.WithField("output", out.Name()).WithError(err).Error("could not close output")
		}
	}
	return err
}
