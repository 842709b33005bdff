package logger

import (
	"flag"
)

// Flags holds the logging-related command-line flags exposed by the bridge.
// The category-based debug mechanism (DebugMQTT, DebugRTSP, ...) is internal
// plumbing and is not exposed as separate CLI flags; debug level turns on
// every category.
type Flags struct {
	LogLevel string
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	if level == LevelDebug {
		cfg.EnableCategory(DebugAll)
	}

	return cfg, nil
}
