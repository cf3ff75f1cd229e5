package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// ParseLevel reports whether s names one of trace, debug, info, warn
// (or warning) and error.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return LevelInfo, false
	}
	switch lvl {
	case zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return lvl, true
	}
	return LevelInfo, false
}

func levelOr(s string, def Level) Level {
	if lvl, ok := ParseLevel(s); ok {
		return lvl
	}
	return def
}
