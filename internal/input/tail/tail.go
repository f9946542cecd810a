package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/input"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultPollInterval = 300 * time.Millisecond
	DefaultEncoding     = "utf-8"
)

var (
	ErrNotRegular      = errors.New("not a regular file")
	ErrUnknownEncoding = errors.New("unknown encoding")
)

type Config struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
	Encoding     string
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	return c
}

// LookupEncoding maps an encoding name to its decoder source.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, name)
	}
}

// Task follows a single file from a remembered offset, emitting each new line.
type Task struct {
	id      string
	cfg     Config
	state   State
	decoder *encoding.Decoder
	now     func() time.Time
}

func New(path string, cfg Config) (*Task, error) {
	cfg = cfg.withDefaults()
	enc, err := LookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &Task{
		id:      uuid.NewString(),
		cfg:     cfg,
		state:   State{Path: path},
		decoder: enc.NewDecoder(),
		now:     time.Now,
	}, nil
}

func (t *Task) ID() string {
	return t.id
}

// Run tails the file until it has been idle for longer than the idle timeout,
// a fatal I/O error occurs, or ctx is cancelled. Only the fatal case returns
// an error. A missing file is treated as having no new data.
func (t *Task) Run(ctx context.Context, output chan<- internal.Event) error {
	logger := logrus.WithFields(logrus.Fields{
		"path": t.state.Path,
		"task": t.id,
	})
	logger.Debug("Starting tail")

	t.state.LastActivity = t.now()
	for {
		lines, err := t.readNewLines(ctx, output)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if lines > 0 {
			continue
		}

		if t.now().Sub(t.state.LastActivity) > t.cfg.IdleTimeout {
			logger.WithField("lines", t.state.LineNum).Debug("Tail idle, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

// readNewLines opens the file fresh, seeks to the remembered offset and emits
// every line up to the current end of file. A trailing fragment without a
// line terminator is emitted as a line of its own.
func (t *Task) readNewLines(ctx context.Context, output chan<- internal.Event) (int, error) {
	file, err := os.Open(t.state.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("error while opening file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("error getting file stats: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s", ErrNotRegular, info.Mode().Type())
	}

	if _, err := file.Seek(int64(t.state.Offset), io.SeekStart); err != nil {
		return 0, fmt.Errorf("error seeking file: %w", err)
	}
	reader := bufio.NewReader(file)

	lines := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			if err := t.emit(ctx, raw, output); err != nil {
				return lines, err
			}
			lines++
		}
		if readErr != nil {
			if readErr == io.EOF {
				return lines, nil
			}
			return lines, fmt.Errorf("error reading file: %w", readErr)
		}
	}
}

func (t *Task) emit(ctx context.Context, raw []byte, output chan<- internal.Event) error {
	t.state.LineNum++
	t.state.Offset += uint64(len(raw))
	t.state.LastActivity = t.now()

	event := internal.Event{
		Timestamp: t.state.LastActivity,
		RawData:   t.decode(raw),
		Metadata: internal.Metadata{
			Source:  t.state.Path,
			LineNum: t.state.LineNum,
		},
	}
	input.AddMetadata(&event, t.id)

	select {
	case output <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decode strips the line terminator and converts the line to UTF-8. Invalid
// byte sequences become U+FFFD.
func (t *Task) decode(raw []byte) string {
	line := bytes.TrimSuffix(raw, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	decoded, err := t.decoder.Bytes(line)
	if err != nil {
		return strings.ToValidUTF8(string(line), "\uFFFD")
	}
	return string(decoded)
}
