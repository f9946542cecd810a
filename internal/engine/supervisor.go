package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs tail tasks in the background. It only keeps enough
// bookkeeping to wait for them at shutdown and to collect their errors;
// nothing in the dispatch path ever waits on a task.
type Supervisor struct {
	ctx     context.Context
	group   errgroup.Group
	errSink internal.ErrorSink
	metrics *metrics.Metrics
	mu      sync.Mutex
	errs    []error
}

func NewSupervisor(ctx context.Context, errSink internal.ErrorSink, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		ctx:     ctx,
		errSink: errSink,
		metrics: m,
	}
}

// Go starts run for the file at path. A fatal error is reported to the error
// sink and kept for Wait.
func (s *Supervisor) Go(path string, run func(ctx context.Context) error) {
	s.metrics.TasksActive.Inc()
	s.group.Go(func() error {
		defer s.metrics.TasksActive.Dec()

		err := run(s.ctx)
		if err == nil {
			return nil
		}

		fileErr := &internal.FileError{Source: path, Err: err}
		s.metrics.TailErrors.Inc()
		s.errSink.Report(fileErr)

		s.mu.Lock()
		s.errs = append(s.errs, fileErr)
		s.mu.Unlock()
		return fileErr
	})
}

// Wait blocks until every started task has returned and joins their errors.
func (s *Supervisor) Wait() error {
	_ = s.group.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}
