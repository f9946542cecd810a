package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MuchTitan/riptail/internal/engine"
	"github.com/MuchTitan/riptail/internal/input/tail"
	"github.com/MuchTitan/riptail/internal/metrics"
	"github.com/MuchTitan/riptail/internal/output"
	outputstdout "github.com/MuchTitan/riptail/internal/output/stdout"
	outputsummary "github.com/MuchTitan/riptail/internal/output/summary"
	"github.com/MuchTitan/riptail/internal/util"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrNoRoots = errors.New("at least one path to tail is required")

// Config represents the complete configuration
type Config struct {
	System  SystemConfig     `yaml:"System" toml:"System"`
	Tail    TailConfig       `yaml:"Tail" toml:"Tail"`
	Outputs []map[string]any `yaml:"Outputs" toml:"Outputs"`
	Metrics MetricsConfig    `yaml:"Metrics" toml:"Metrics"`
}

// SystemConfig holds system-wide configuration
type SystemConfig struct {
	LogLevel  string `yaml:"logLevel" toml:"logLevel"`
	LogFile   string `yaml:"logFile" toml:"logFile"`
	LogFormat string `yaml:"logFormat" toml:"logFormat"`
}

type TailConfig struct {
	Paths        []string `yaml:"paths" toml:"paths"`
	Recursive    bool     `yaml:"recursive" toml:"recursive"`
	Depth        int      `yaml:"depth" toml:"depth"`
	IdleTimeout  string   `yaml:"idleTimeout" toml:"idleTimeout"`
	PollInterval string   `yaml:"pollInterval" toml:"pollInterval"`
	Encoding     string   `yaml:"encoding" toml:"encoding"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		System: SystemConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tail: TailConfig{
			Depth:        1,
			IdleTimeout:  tail.DefaultIdleTimeout.String(),
			PollInterval: tail.DefaultPollInterval.String(),
			Encoding:     tail.DefaultEncoding,
		},
	}
}

func (c *SystemConfig) GetLogLevel() logrus.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE":
		return logrus.TraceLevel
	case "DEBUG":
		return logrus.DebugLevel
	case "WARNING", "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		// Default LogLevel Info
		return logrus.InfoLevel
	}
}

// Load reads a YAML or TOML file on top of the defaults. The format is picked
// by extension; environment variables in the file are expanded.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variables
	expandedData := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(expandedData, &cfg)
	default:
		err = yaml.Unmarshal(expandedData, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration and fills in the stdout output when no
// output is configured.
func (c *Config) Validate() error {
	if len(c.Tail.Paths) == 0 {
		return ErrNoRoots
	}
	if c.Tail.Depth < 1 {
		return fmt.Errorf("depth must be at least 1, got %d", c.Tail.Depth)
	}
	if _, err := c.TailOptions(); err != nil {
		return err
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []map[string]any{{"Type": "stdout"}}
	}
	for _, out := range c.Outputs {
		if _, ok := out["Type"].(string); !ok {
			return fmt.Errorf("output is missing a Type: %v", out)
		}
	}
	return nil
}

// TailOptions converts the tail section into the per-task settings.
func (c *Config) TailOptions() (tail.Config, error) {
	var opts tail.Config
	var err error

	if opts.IdleTimeout, err = parseDuration("idleTimeout", c.Tail.IdleTimeout); err != nil {
		return opts, err
	}
	if opts.PollInterval, err = parseDuration("pollInterval", c.Tail.PollInterval); err != nil {
		return opts, err
	}
	opts.Encoding = c.Tail.Encoding
	if _, err := tail.LookupEncoding(opts.Encoding); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

// Roots returns one watch root per configured path.
func (c *Config) Roots() []engine.WatchRoot {
	roots := make([]engine.WatchRoot, 0, len(c.Tail.Paths))
	for _, path := range c.Tail.Paths {
		roots = append(roots, engine.WatchRoot{
			Path:      path,
			Recursive: c.Tail.Recursive,
			Depth:     c.Tail.Depth,
		})
	}
	return roots
}

// SetOutputOption sets key on every output of the given type, adding the
// output if none exists.
func (c *Config) SetOutputOption(outputType, key string, value any) {
	found := false
	for _, out := range c.Outputs {
		if t, _ := out["Type"].(string); strings.EqualFold(t, outputType) {
			out[key] = value
			found = true
		}
	}
	if !found {
		c.Outputs = append(c.Outputs, map[string]any{"Type": outputType, key: value})
	}
}

// EnableSummary adds the summary output next to the stdout default.
func (c *Config) EnableSummary() {
	if len(c.Outputs) == 0 {
		c.Outputs = append(c.Outputs, map[string]any{"Type": "stdout"})
	}
	c.SetOutputOption("summary", "Name", "summary")
}

// SetupLogging configures the logrus standard logger. The returned closer
// releases the log file, if any.
func SetupLogging(system SystemConfig) (io.Closer, error) {
	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}

	if system.LogFile != "" {
		file, err := os.OpenFile(system.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file
	}

	// Set log level based on config
	logrus.SetLevel(system.GetLogLevel())

	// Create multi-writer
	writer := io.MultiWriter(writers...)
	logrus.SetOutput(writer)

	switch strings.ToLower(system.LogFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339, // Use RFC3339 format (2006-01-02T15:04:05Z07:00)
		})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return closer, fmt.Errorf("unknown log format: %s", system.LogFormat)
	}

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// PluginEngine is the engine together with the metrics it reports to
type PluginEngine struct {
	*engine.Engine
	Metrics *metrics.Metrics
}

// NewPluginEngine builds the outputs and the engine described by cfg
func NewPluginEngine(cfg Config) (*PluginEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tailOpts, err := cfg.TailOptions()
	if err != nil {
		return nil, err
	}

	outputs := make([]output.Plugin, 0, len(cfg.Outputs))
	for _, outputConfig := range cfg.Outputs {
		out, err := initializeOutput(outputConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize output: %w", err)
		}
		outputs = append(outputs, out)
	}

	m := metrics.New()
	eng, err := engine.New(engine.Options{
		Roots:   cfg.Roots(),
		Tail:    tailOpts,
		Outputs: outputs,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	return &PluginEngine{
		Engine:  eng,
		Metrics: m,
	}, nil
}

func initializeOutput(config map[string]any) (output.Plugin, error) {
	var outputObject output.Plugin

	switch strings.ToLower(util.MustString(config["Type"])) {
	case "stdout":
		outputObject = &outputstdout.Stdout{}
	case "summary":
		outputObject = &outputsummary.Summary{}
	default:
		return nil, fmt.Errorf("unknown output type: %s", config["Type"])
	}

	if err := outputObject.Init(config); err != nil {
		return nil, err
	}

	return outputObject, nil
}
