// Package outputsummary counts tailed lines per file and prints a table of the
// totals when the tailer shuts down.
package outputsummary

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/util"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type sourceStats struct {
	lines    uint64
	lastLine int
	lastSeen time.Time
}

type Summary struct {
	name   string
	mu     sync.Mutex
	stats  map[string]*sourceStats
	writer io.Writer
}

func (s *Summary) Name() string {
	return s.name
}

func (s *Summary) Init(config map[string]any) error {
	s.name = util.MustString(config["Name"])
	if s.name == "" {
		s.name = "summary"
	}
	s.stats = make(map[string]*sourceStats)
	if s.writer == nil {
		s.writer = os.Stderr
	}
	return nil
}

func (s *Summary) Write(events []internal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		st, ok := s.stats[event.Metadata.Source]
		if !ok {
			st = &sourceStats{}
			s.stats[event.Metadata.Source] = st
		}
		st.lines++
		st.lastLine = event.Metadata.LineNum
		st.lastSeen = event.Timestamp
	}
	return nil
}

// Track adds the registered files that have not produced a line yet.
func (s *Summary) Track(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		if _, ok := s.stats[path]; !ok {
			s.stats[path] = &sourceStats{}
		}
	}
}

func (s *Summary) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make([]string, 0, len(s.stats))
	for source := range s.stats {
		sources = append(sources, source)
	}
	slices.Sort(sources)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"File", "Lines", "Last line", "Last seen"})

	var total uint64
	for _, source := range sources {
		st := s.stats[source]
		total += st.lines
		tw.AppendRow(table.Row{
			source,
			strconv.FormatUint(st.lines, 10),
			strconv.Itoa(st.lastLine),
			formatSeen(st.lastSeen),
		})
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d files", len(sources)), strconv.FormatUint(total, 10), "", ""})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})

	return tw.Render()
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (s *Summary) Flush() error {
	return nil
}

func (s *Summary) Exit() error {
	_, err := fmt.Fprintln(s.writer, s.Render())
	return err
}
