package outputstdout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/MuchTitan/riptail/internal"
	"github.com/MuchTitan/riptail/internal/util"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	ValidFormats    = []string{"plain", "json", "template"}
	ValidColorModes = []string{"auto", "always", "never"}
)

type Stdout struct {
	name       string
	format     string             // Output format (plain, json, template)
	template   *template.Template // Custom output template
	jsonIndent bool               // Whether to indent JSON output
	mutex      sync.Mutex         // Ensures atomic writes to stdout
	writer     io.Writer
	pathColor  *color.Color
	lineColor  *color.Color
}

func (s *Stdout) Name() string {
	return s.name
}

func (s *Stdout) Init(config map[string]any) error {
	s.name = util.MustString(config["Name"])
	if s.name == "" {
		s.name = "stdout"
	}

	s.format = util.MustString(config["Format"])
	if s.format == "" {
		s.format = "plain"
	}
	if !slices.Contains(ValidFormats, s.format) {
		return fmt.Errorf("not a valid format for stdout provided: %s", s.format)
	}

	var err error
	if s.jsonIndent, err = util.OptionalBool(config, "JsonIndent", false); err != nil {
		return err
	}

	colorMode := "auto"
	switch colors := config["Colors"].(type) {
	case nil:
	case bool:
		colorMode = "never"
		if colors {
			colorMode = "always"
		}
	case string:
		if colors != "" {
			colorMode = colors
		}
	default:
		return fmt.Errorf("cant convert colors parameter: %v", colors)
	}
	if !slices.Contains(ValidColorModes, colorMode) {
		return fmt.Errorf("not a valid color mode for stdout provided: %s", colorMode)
	}

	if templateStr := util.MustString(config["Template"]); templateStr != "" {
		tmpl, err := template.New("output").Parse(templateStr)
		if err != nil {
			return fmt.Errorf("failed to parse template: %w", err)
		}
		s.template = tmpl
		s.format = "template"
	}
	if s.format == "template" && s.template == nil {
		return errors.New("template format requires a Template")
	}

	if s.writer == nil {
		s.writer = os.Stdout
	}

	s.pathColor = color.New(color.FgBlue, color.Bold)
	s.lineColor = color.New(color.FgMagenta, color.Bold)
	if useColors(colorMode, s.writer) {
		s.pathColor.EnableColor()
		s.lineColor.EnableColor()
	} else {
		s.pathColor.DisableColor()
		s.lineColor.DisableColor()
	}

	return nil
}

// useColors resolves the color mode. Auto enables colors only when w is a
// terminal.
func useColors(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s *Stdout) Write(events []internal.Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, event := range events {
		var output string
		var err error

		switch s.format {
		case "plain":
			output = s.formatPlain(event)
		case "json":
			output, err = s.formatJSON(event)
		case "template":
			output, err = s.formatTemplate(event)
		default:
			return fmt.Errorf("unknown format: %s", s.format)
		}

		if err != nil {
			return fmt.Errorf("failed to format record: %w", err)
		}

		if _, err := fmt.Fprintln(s.writer, output); err != nil {
			return err
		}
	}

	return nil
}

// formatPlain renders "path:line: text".
func (s *Stdout) formatPlain(event internal.Event) string {
	return fmt.Sprintf("%s:%s: %s",
		s.pathColor.Sprint(event.Metadata.Source),
		s.lineColor.Sprint(event.Metadata.LineNum),
		event.RawData)
}

func (s *Stdout) formatJSON(event internal.Event) (string, error) {
	formatted := map[string]any{
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		"path":      event.Metadata.Source,
		"lineNum":   event.Metadata.LineNum,
		"line":      event.RawData,
	}

	if event.Metadata.Host != "" {
		formatted["host"] = event.Metadata.Host
	}

	var bytes []byte
	var err error

	if s.jsonIndent {
		bytes, err = json.MarshalIndent(formatted, "", "  ")
	} else {
		bytes, err = json.Marshal(formatted)
	}

	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

func (s *Stdout) formatTemplate(event internal.Event) (string, error) {
	if s.template == nil {
		return "", fmt.Errorf("template not configured")
	}

	builder := &strings.Builder{}
	err := s.template.Execute(builder, struct {
		Timestamp time.Time
		Path      string
		LineNum   int
		Host      string
		Line      string
	}{
		Timestamp: event.Timestamp,
		Path:      event.Metadata.Source,
		LineNum:   event.Metadata.LineNum,
		Host:      event.Metadata.Host,
		Line:      event.RawData,
	})
	if err != nil {
		return "", err
	}

	return builder.String(), nil
}

func (s *Stdout) Flush() error {
	// No buffering, so no flush needed
	return nil
}

func (s *Stdout) Exit() error {
	return nil
}
