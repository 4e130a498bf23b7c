package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Level is a numeric log level. The values are part of the script
// environment (__cdist_log_level) and must not change.
type Level int

const (
	LevelTrace    Level = 5
	LevelDebug    Level = 10
	LevelVerbose  Level = 15
	LevelInfo     Level = 20
	LevelWarning  Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
	LevelOff      Level = 60
)

var levelNames = map[Level]string{
	LevelTrace:    "TRACE",
	LevelDebug:    "DEBUG",
	LevelVerbose:  "VERBOSE",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
	LevelOff:      "OFF",
}

// String returns the upper case level name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Level " + strconv.Itoa(int(l))
}

// ParseLevel accepts a level name (case-insensitive, "warn" and "fatal"
// are accepted as aliases) or a numeric level.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return Level(n), nil
	}
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "info", "":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	case "off":
		return LevelOff, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", s)
}

// zerologLevel maps a level to the zerolog threshold that lets exactly
// the messages at or above it through. VERBOSE has no zerolog counterpart;
// it shares the info threshold and is filtered in Logger.Verbose.
func (l Level) zerologLevel() zerolog.Level {
	switch {
	case l <= LevelTrace:
		return zerolog.TraceLevel
	case l <= LevelDebug:
		return zerolog.DebugLevel
	case l <= LevelInfo:
		return zerolog.InfoLevel
	case l <= LevelWarning:
		return zerolog.WarnLevel
	case l <= LevelError:
		return zerolog.ErrorLevel
	case l <= LevelCritical:
		return zerolog.FatalLevel
	default:
		return zerolog.Disabled
	}
}
