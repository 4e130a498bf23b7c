package telemetry

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that remembers its numeric level, so the
// level can be passed on to the scripts of a run.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
	level  Level
}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	timeFormat := time.RFC3339
	if cfg.TimeFormat == "unix" {
		timeFormat = zerolog.TimeFormatUnix
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: !cfg.Colored}
	}
	return NewLoggerFromWriter(w, cfg, level), nil
}

// openOutput resolves stdout and stderr, and opens anything else as a log
// file in append mode.
func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// NewLoggerFromWriter logs to w at level. The writer is used as is.
func NewLoggerFromWriter(w io.Writer, cfg LoggingConfig, level Level) *Logger {
	return &Logger{
		zlog:   zerolog.New(w).With().Timestamp().Logger().Level(level.zerologLevel()),
		config: cfg,
		level:  level,
	}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop(), level: LevelOff}
}

func (l *Logger) Level() Level  { return l.level }
func (l *Logger) Colored() bool { return l.config.Colored }

// EnvLevel, EnvLevelName and EnvColored are the values of
// __cdist_log_level, __cdist_log_level_name and __cdist_colored_log.
func (l *Logger) EnvLevel() string     { return strconv.Itoa(int(l.level)) }
func (l *Logger) EnvLevelName() string { return l.level.String() }
func (l *Logger) EnvColored() string   { return strconv.FormatBool(l.config.Colored) }

func (l *Logger) derive(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), config: l.config, level: l.level}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return l.derive(l.zlog.With().Interface(key, value))
}

func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err))
}

func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

func (l *Logger) WithObject(name string) *Logger {
	return l.WithField("object", name)
}

func (l *Logger) Trace(msg string)                  { l.zlog.Trace().Msg(msg) }
func (l *Logger) Tracef(format string, args ...any) { l.zlog.Trace().Msgf(format, args...) }
func (l *Logger) Debug(msg string)                  { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                   { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                   { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                  { l.zlog.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }

// Verbose sits between DEBUG and INFO, which zerolog has no level for. It
// is written as info once the logger level admits VERBOSE.
func (l *Logger) Verbose(msg string) {
	if l.level <= LevelVerbose {
		l.zlog.Info().Msg(msg)
	}
}

func (l *Logger) Verbosef(format string, args ...any) {
	if l.level <= LevelVerbose {
		l.zlog.Info().Msgf(format, args...)
	}
}

var registry = struct {
	sync.Mutex
	base  *Logger
	hosts map[string]*Logger
}{hosts: make(map[string]*Logger)}

// SetDefault installs the process-wide base logger. Host loggers handed
// out before the call are dropped and rebuilt on the next lookup.
func SetDefault(l *Logger) {
	registry.Lock()
	defer registry.Unlock()
	registry.base = l
	registry.hosts = make(map[string]*Logger)
}

// Default returns the process-wide base logger.
func Default() *Logger {
	registry.Lock()
	defer registry.Unlock()
	return defaultLocked()
}

func defaultLocked() *Logger {
	if registry.base == nil {
		registry.base = NewLoggerFromWriter(
			zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true},
			LoggingConfig{Level: "warning", Format: "console"},
			LevelWarning,
		)
	}
	return registry.base
}

// ForHost returns the logger for a target host, creating it on first use.
// Components keep only the host name and call ForHost whenever they log,
// so no logger ends up in serialized state.
func ForHost(host string) *Logger {
	registry.Lock()
	defer registry.Unlock()
	if l, ok := registry.hosts[host]; ok {
		return l
	}
	l := defaultLocked().WithField("host", host)
	registry.hosts[host] = l
	return l
}
