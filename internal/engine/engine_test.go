package engine

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/input/tail"
	"github.com/MuchTitan/riptail/internal/metrics"
	"github.com/MuchTitan/riptail/internal/output"
	"github.com/MuchTitan/riptail/internal/util"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// collectOutput records every event it is given.
type collectOutput struct {
	mu     sync.Mutex
	events []internal.Event
	exited bool
}

func (c *collectOutput) Name() string { return "collect" }

func (c *collectOutput) Init(map[string]any) error { return nil }

func (c *collectOutput) Flush() error { return nil }

func (c *collectOutput) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = true
	return nil
}

func (c *collectOutput) Write(evs []internal.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evs...)
	return nil
}

func (c *collectOutput) forSource(source string) []internal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []internal.Event
	for _, e := range c.events {
		if e.Metadata.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// MockErrorSink implements internal.ErrorSink for testing
type MockErrorSink struct {
	mock.Mock
}

func (m *MockErrorSink) Report(err *internal.FileError) {
	m.Called(err)
}

var fastTail = tail.Config{
	IdleTimeout:  10 * time.Second,
	PollInterval: 10 * time.Millisecond,
}

func canonical(t *testing.T, path string) string {
	t.Helper()
	c, err := util.Canonical(path)
	require.NoError(t, err)
	return c
}

func appendToFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func startEngine(t *testing.T, opts Options) (*Engine, *collectOutput) {
	t.Helper()
	out := &collectOutput{}
	opts.Outputs = append([]output.Plugin{out}, opts.Outputs...)
	if opts.Tail == (tail.Config{}) {
		opts.Tail = fastTail
	}

	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })
	return e, out
}

func waitForLines(t *testing.T, out *collectOutput, source string, n int) []internal.Event {
	t.Helper()
	var events []internal.Event
	require.Eventually(t, func() bool {
		events = out.forSource(source)
		return len(events) >= n
	}, 5*time.Second, 10*time.Millisecond, "waiting for %d lines from %s", n, source)
	return events
}

func TestEngine_NonRecursiveScenario(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	e, out := startEngine(t, Options{
		Roots: []WatchRoot{{Path: dir, Recursive: false, Depth: 1}},
	})

	aCanonical := canonical(t, a)
	assert.True(t, e.Registry().Contains(aCanonical))
	assert.Empty(t, out.forSource(aCanonical))

	appendToFile(t, a, "hello\n")
	events := waitForLines(t, out, aCanonical, 1)
	assert.Equal(t, "hello", events[0].RawData)
	assert.Equal(t, 1, events[0].Metadata.LineNum)

	b := filepath.Join(dir, "sub", "b.txt")
	require.NoError(t, os.WriteFile(b, []byte("x\n"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, e.Registry().Contains(canonical(t, b)))
	assert.Empty(t, out.forSource(canonical(t, b)))
	assert.Equal(t, 1, e.Registry().Len())
}

func TestEngine_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	e, out := startEngine(t, Options{
		Roots: []WatchRoot{{Path: dir}},
	})
	assert.Equal(t, 0, e.Registry().Len())

	path := filepath.Join(dir, "new.log")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0o644))

	events := waitForLines(t, out, canonical(t, path), 2)
	assert.Equal(t, "first", events[0].RawData)
	assert.Equal(t, "second", events[1].RawData)
}

func TestEngine_RecursivePicksUpNestedFiles(t *testing.T) {
	dir := t.TempDir()
	e, out := startEngine(t, Options{
		Roots: []WatchRoot{{Path: dir, Recursive: true, Depth: 3}},
	})

	nested := filepath.Join(dir, "x", "y")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(nested, "deep.log")
	require.NoError(t, os.WriteFile(path, []byte("deep\n"), 0o644))

	events := waitForLines(t, out, canonical(t, path), 1)
	assert.Equal(t, "deep", events[0].RawData)
	assert.True(t, e.Registry().Contains(canonical(t, path)))
}

func TestEngine_BootstrapDepthBound(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"l1.log", "a/l2.log", "a/b/l3.log"} {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}

	e, _ := startEngine(t, Options{
		Roots: []WatchRoot{{Path: dir, Recursive: true, Depth: 2}},
	})

	assert.True(t, e.Registry().Contains(canonical(t, filepath.Join(dir, "l1.log"))))
	assert.True(t, e.Registry().Contains(canonical(t, filepath.Join(dir, "a", "l2.log"))))
	assert.False(t, e.Registry().Contains(canonical(t, filepath.Join(dir, "a", "b", "l3.log"))))
}

func TestEngine_OneTaskPerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busy.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	link := filepath.Join(dir, "alias.log")
	require.NoError(t, os.Symlink(path, link))

	m := metrics.New()
	e, out := startEngine(t, Options{
		Roots: []WatchRoot{
			{Path: dir},
			{Path: path},
			{Path: link},
		},
		Metrics: m,
	})

	const lines = 50
	for i := 0; i < lines; i++ {
		appendToFile(t, path, "line\n")
	}

	source := canonical(t, path)
	events := waitForLines(t, out, source, lines)
	time.Sleep(200 * time.Millisecond)
	events = out.forSource(source)

	require.Len(t, events, lines)
	for i, evt := range events {
		assert.Equal(t, i+1, evt.Metadata.LineNum)
	}
	assert.Equal(t, 1, e.Registry().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FilesRegistered))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksActive))
}

func TestEngine_RediscoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m := metrics.New()
	e, _ := startEngine(t, Options{
		Roots:   []WatchRoot{{Path: dir}},
		Metrics: m,
	})

	for i := 0; i < 5; i++ {
		e.dispatch(dir)
		e.dispatch(path)
	}
	assert.Equal(t, 1, e.Registry().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FilesRegistered))
}

func TestEngine_DispatchIgnoresMissingPaths(t *testing.T) {
	dir := t.TempDir()
	e, _ := startEngine(t, Options{Roots: []WatchRoot{{Path: dir}}})

	e.dispatch(filepath.Join(dir, "gone.log"))
	assert.Equal(t, 0, e.Registry().Len())
}

func TestEngine_FatalTaskErrorIsReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.log")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))
	source := canonical(t, path)

	reported := make(chan *internal.FileError, 1)
	sink := new(MockErrorSink)
	sink.On("Report", mock.Anything).Run(func(args mock.Arguments) {
		reported <- args.Get(0).(*internal.FileError)
	}).Once()

	m := metrics.New()
	e, out := startEngine(t, Options{
		Roots:     []WatchRoot{{Path: dir}},
		ErrorSink: sink,
		Metrics:   m,
	})
	waitForLines(t, out, source, 1)

	other := filepath.Join(dir, "healthy.log")
	require.NoError(t, os.WriteFile(other, nil, 0o644))
	require.Eventually(t, func() bool {
		return e.Registry().Contains(canonical(t, other))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	select {
	case fileErr := <-reported:
		assert.Equal(t, source, fileErr.Source)
		assert.ErrorIs(t, fileErr, tail.ErrNotRegular)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for error report")
	}

	// The other task keeps running.
	appendToFile(t, other, "alive\n")
	events := waitForLines(t, out, canonical(t, other), 1)
	assert.Equal(t, "alive", events[0].RawData)

	err := e.Stop()
	assert.ErrorIs(t, err, tail.ErrNotRegular)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TailErrors))
	sink.AssertExpectations(t)
}

func TestEngine_StartFailsForMissingRoot(t *testing.T) {
	dir := t.TempDir()
	e, err := New(Options{
		Roots: []WatchRoot{
			{Path: dir},
			{Path: filepath.Join(dir, "missing")},
		},
		Tail: fastTail,
	})
	require.NoError(t, err)

	err = e.Start()
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestEngine_StartFailureDoesNotExitOutputs(t *testing.T) {
	dir := t.TempDir()
	out := &collectOutput{}
	e, err := New(Options{
		Roots:   []WatchRoot{{Path: filepath.Join(dir, "missing")}},
		Tail:    fastTail,
		Outputs: []output.Plugin{out},
	})
	require.NoError(t, err)

	require.Error(t, e.Start())
	assert.NoError(t, e.Stop())

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.False(t, out.exited)
}

// trackingOutput records the paths handed to Track.
type trackingOutput struct {
	collectOutput
	tracked []string
}

func (o *trackingOutput) Track(paths []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracked = paths
}

func TestEngine_StopTracksRegisteredFiles(t *testing.T) {
	dir := t.TempDir()
	quiet := filepath.Join(dir, "quiet.log")
	loud := filepath.Join(dir, "loud.log")
	require.NoError(t, os.WriteFile(quiet, nil, 0o644))
	require.NoError(t, os.WriteFile(loud, []byte("hi\n"), 0o644))

	tracker := &trackingOutput{}
	e, out := startEngine(t, Options{
		Roots:   []WatchRoot{{Path: dir}},
		Outputs: []output.Plugin{tracker},
	})
	waitForLines(t, out, canonical(t, loud), 1)

	require.NoError(t, e.Stop())
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, []string{canonical(t, loud), canonical(t, quiet)}, tracker.tracked)
	assert.True(t, tracker.exited)
}

func TestEngine_StopClosesOutputs(t *testing.T) {
	dir := t.TempDir()
	e, out := startEngine(t, Options{Roots: []WatchRoot{{Path: dir}}})

	assert.NoError(t, e.Stop())
	assert.NoError(t, e.Stop())
	out.mu.Lock()
	defer out.mu.Unlock()
	assert.True(t, out.exited)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoRoots)

	_, err = New(Options{Roots: []WatchRoot{{Path: "/tmp", Recursive: true, Depth: 0}}})
	assert.Error(t, err)

	_, err = New(Options{
		Roots: []WatchRoot{{Path: "/tmp"}},
		Tail:  tail.Config{Encoding: "klingon"},
	})
	assert.ErrorIs(t, err, tail.ErrUnknownEncoding)
}

func TestWatchRoot_EffectiveDepth(t *testing.T) {
	assert.Equal(t, 1, WatchRoot{Depth: 5}.EffectiveDepth())
	assert.Equal(t, 5, WatchRoot{Recursive: true, Depth: 5}.EffectiveDepth())
}

func TestEngine_DepthFor(t *testing.T) {
	e := &Engine{roots: []WatchRoot{
		{Path: "/logs", Recursive: true, Depth: 4},
		{Path: "/logs/app", Recursive: false},
	}}
	assert.Equal(t, 4, e.depthFor("/logs/web"))
	assert.Equal(t, 1, e.depthFor("/logs/app/sub"))
	assert.Equal(t, 1, e.depthFor("/elsewhere"))
}
