package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// OutputConfig selects one log sink.
type OutputConfig struct {
	// Type is one of console, file, null.
	Type string `json:"type" mapstructure:"type"`
	// Path is required for file outputs.
	Path string `json:"path" mapstructure:"path"`
}

// Config declaratively describes a logger.
type Config struct {
	Level            string         `json:"level" mapstructure:"level"`
	Format           string         `json:"format" mapstructure:"format"`
	Outputs          []OutputConfig `json:"outputs" mapstructure:"outputs"`
	RedactKeys       []string       `json:"redact_keys" mapstructure:"redact_keys"`
	SampleInitial    int            `json:"sample_initial" mapstructure:"sample_initial"`
	SampleThereafter int            `json:"sample_thereafter" mapstructure:"sample_thereafter"`
	ShowCaller       bool           `json:"show_caller" mapstructure:"show_caller"`
}

// ApplyConfig builds a Logger from cfg. A nil cfg yields info/text/console.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{ShowCaller: cfg.ShowCaller}
	case "json":
		formatter = &JSONFormatter{ShowCaller: cfg.ShowCaller}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter)}
	for _, oc := range cfg.Outputs {
		switch strings.ToLower(oc.Type) {
		case "", "console", "stderr":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "file":
			if oc.Path == "" {
				return nil, fmt.Errorf("file output requires a path")
			}
			fo, err := NewFileOutput(oc.Path)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			opts = append(opts, WithOutput(fo))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		default:
			return nil, fmt.Errorf("unknown log output %q", oc.Type)
		}
	}

	l := NewLogger(opts...).(*BaseLogger)
	if len(cfg.RedactKeys) > 0 || cfg.SampleThereafter > 0 {
		h := newBridgeHandler(l).withRedactions(cfg.RedactKeys).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
		l.slogLogger = slog.New(h)
	}
	return l, nil
}
