package conf

import (
	"gatetun/internal/flog"
	"testing"
)

func TestLogSetDefaults(t *testing.T) {
	var l Log
	l.setDefaults()
	if l.Level != "info" {
		t.Errorf("Level default = %q, want info", l.Level)
	}
}

func TestLogValidateRejectsUnknownLevel(t *testing.T) {
	l := Log{Level: "verbose"}
	if errs := l.validate(); len(errs) == 0 {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestLogToFlogLevel(t *testing.T) {
	cases := map[string]flog.Level{
		"debug": flog.Debug,
		"info":  flog.Info,
		"warn":  flog.Warn,
		"error": flog.Error,
		"fatal": flog.Fatal,
		"none":  flog.None,
		"junk":  flog.None,
	}
	for level, want := range cases {
		l := Log{Level: level}
		if got := l.ToFlogLevel(); got != want {
			t.Errorf("Log{Level:%q}.ToFlogLevel() = %v, want %v", level, got, want)
		}
	}
}
