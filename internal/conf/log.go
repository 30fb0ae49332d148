package conf

import (
	"fmt"
	"slices"

	"gatetun/internal/flog"
)

// Log configures the flog sink every component logs through.
type Log struct {
	Level string `yaml:"level"`
}

var validLevels = []string{"debug", "info", "warn", "error", "fatal", "none"}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (l *Log) validate() []error {
	if !slices.Contains(validLevels, l.Level) {
		return []error{fmt.Errorf("log.level must be one of %v, got %q", validLevels, l.Level)}
	}
	return nil
}

// ToFlogLevel maps the configured level name to a flog.Level.
func (l *Log) ToFlogLevel() flog.Level {
	switch l.Level {
	case "debug":
		return flog.Debug
	case "info":
		return flog.Info
	case "warn":
		return flog.Warn
	case "error":
		return flog.Error
	case "fatal":
		return flog.Fatal
	default:
		return flog.None
	}
}
