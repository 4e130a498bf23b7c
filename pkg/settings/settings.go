// Package settings loads the converge configuration. Values are layered:
// built-in defaults, then a YAML or TOML file, then CONVERGE_*
// environment variables. Command line flags are applied last by the
// caller. The result is checked with struct tag validation.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
	sshtransport "github.com/openfroyo/converge/pkg/transports/ssh"
)

// Transport names.
const (
	TransportExec = "exec"
	TransportSSH  = "ssh"
)

// Colour modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Settings is the complete configuration of the converge command.
type Settings struct {
	// ConfDirs are merged in order into the configuration of every run.
	ConfDirs []string `yaml:"conf_dir" toml:"conf_dir"`

	// InitialManifest overrides conf/manifest/init.
	InitialManifest string `yaml:"init_manifest" toml:"init_manifest"`

	// OutPath is the parent of the per-host output trees. A temporary
	// directory is used when empty.
	OutPath string `yaml:"out_path" toml:"out_path"`

	// OutPathPattern names the tree of each host below OutPath. See
	// local.CacheSubpath for the expansions.
	OutPathPattern string `yaml:"out_path_pattern" toml:"out_path_pattern"`

	RemoteOutPath string `yaml:"remote_out_path" toml:"remote_out_path" validate:"required,startswith=/"`
	RemoteExec    string `yaml:"remote_exec" toml:"remote_exec" validate:"required_if=Transport exec"`
	RemoteShell   string `yaml:"remote_shell" toml:"remote_shell" validate:"required"`
	LocalShell    string `yaml:"local_shell" toml:"local_shell" validate:"required"`
	Archiving     string `yaml:"archiving" toml:"archiving" validate:"oneof=none tar tgz tbz2 txz"`

	// Transport selects how the target is reached: "exec" runs
	// RemoteExec, "ssh" uses the built-in SSH client.
	Transport string      `yaml:"transport" toml:"transport" validate:"oneof=exec ssh"`
	SSH       SSHSettings `yaml:"ssh" toml:"ssh"`

	LogLevel      string `yaml:"log_level" toml:"log_level" validate:"loglevel"`
	LogFormat     string `yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	ColoredOutput string `yaml:"colored_output" toml:"colored_output" validate:"oneof=auto always never"`

	DryRun            bool `yaml:"dry_run" toml:"dry_run"`
	SaveOutputStreams bool `yaml:"save_output_streams" toml:"save_output_streams"`

	// Parallel is the number of hosts configured at the same time.
	Parallel int `yaml:"parallel" toml:"parallel" validate:"min=1"`

	// Journal is the SQLite run journal. Empty disables the journal.
	Journal string `yaml:"journal" toml:"journal"`

	// AsyncEvents hands run events to the journal from a background
	// goroutine. Queued events are written before the journal closes.
	AsyncEvents bool `yaml:"async_events" toml:"async_events"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address" toml:"metrics_address" validate:"omitempty,hostname_port"`

	Tracing         string `yaml:"tracing" toml:"tracing" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `yaml:"tracing_endpoint" toml:"tracing_endpoint" validate:"required_if=Tracing otlp"`
}

// SSHSettings configures the built-in SSH transport.
type SSHSettings struct {
	User                  string `yaml:"user" toml:"user" validate:"required"`
	Port                  int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
	AuthMethod            string `yaml:"auth_method" toml:"auth_method" validate:"oneof=key password agent"`
	Password              string `yaml:"password" toml:"password"`
	PrivateKey            string `yaml:"private_key" toml:"private_key"`
	KnownHosts            string `yaml:"known_hosts" toml:"known_hosts"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking" toml:"strict_host_key_checking"`
	ConnectTimeout        string `yaml:"connect_timeout" toml:"connect_timeout" validate:"duration"`
	KeepAlive             string `yaml:"keepalive" toml:"keepalive" validate:"omitempty,duration"`
	ProxyHost             string `yaml:"proxy_host" toml:"proxy_host"`
	ProxyUser             string `yaml:"proxy_user" toml:"proxy_user" validate:"required_with=ProxyHost"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		OutPathPattern:    "%N",
		RemoteOutPath:     remote.DefaultBasePath,
		RemoteExec:        engine.DefaultRemoteExec,
		RemoteShell:       remote.DefaultShell,
		LocalShell:        local.DefaultShell,
		Archiving:         "tar",
		Transport:         TransportExec,
		LogLevel:          "warning",
		LogFormat:         "console",
		ColoredOutput:     ColorAuto,
		SaveOutputStreams: true,
		Parallel:          1,
		Tracing:           "none",
		SSH: SSHSettings{
			User:                  "root",
			Port:                  22,
			AuthMethod:            string(sshtransport.AuthMethodAgent),
			KnownHosts:            filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
			StrictHostKeyChecking: true,
			ConnectTimeout:        "30s",
		},
	}
}

// Load reads the settings: defaults, then the file at path if path is not
// empty, then the environment. The result is not validated, flags still
// have to be applied.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		if err := s.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile overlays the YAML (.yaml, .yml) or TOML (.toml) file at path.
// Keys missing from the file keep their current value.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), s); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported settings format: %s", path)
	}
	return nil
}

// ApplyEnv overlays the CONVERGE_* variables found by lookup.
// CONVERGE_PATH is a colon separated list of configuration directories.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CONVERGE_REMOTE_EXEC":      &s.RemoteExec,
		"CONVERGE_REMOTE_SHELL":     &s.RemoteShell,
		"CONVERGE_LOCAL_SHELL":      &s.LocalShell,
		"CONVERGE_ARCHIVING":        &s.Archiving,
		"CONVERGE_LOG_LEVEL":        &s.LogLevel,
		"CONVERGE_COLORED_OUTPUT":   &s.ColoredOutput,
		"CONVERGE_TRANSPORT":        &s.Transport,
		"CONVERGE_OUT_PATH":         &s.OutPath,
		"CONVERGE_OUT_PATH_PATTERN": &s.OutPathPattern,
		"CONVERGE_REMOTE_OUT_PATH":  &s.RemoteOutPath,
		"CONVERGE_JOURNAL":          &s.Journal,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("CONVERGE_PATH"); ok {
		s.ConfDirs = nil
		for _, dir := range filepath.SplitList(v) {
			if dir != "" {
				s.ConfDirs = append(s.ConfDirs, dir)
			}
		}
	}
	if v, ok := lookup("CONVERGE_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_PARALLEL: %w", err)
		}
		s.Parallel = n
	}
	if v, ok := lookup("CONVERGE_ASYNC_EVENTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_ASYNC_EVENTS: %w", err)
		}
		s.AsyncEvents = b
	}
	if v, ok := lookup("CONVERGE_DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_DRY_RUN: %w", err)
		}
		s.DryRun = b
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := telemetry.ParseLevel(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate normalizes and checks the settings.
func (s *Settings) Validate() error {
	s.Archiving = strings.ToLower(strings.TrimSpace(s.Archiving))
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.ColoredOutput = strings.ToLower(strings.TrimSpace(s.ColoredOutput))
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Colored reports whether log output is coloured. In auto mode colours
// are used when stderr is a terminal.
func (s *Settings) Colored() bool {
	switch s.ColoredOutput {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		fd := os.Stderr.Fd()
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
}

// TelemetryConfig returns the telemetry configuration of the settings.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Logging.Colored = s.Colored()
	cfg.Events.EnableAsync = s.AsyncEvents
	if s.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = s.MetricsAddress
	}
	if s.Tracing != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Tracing
		cfg.Tracing.Endpoint = s.TracingEndpoint
	}
	return cfg
}

// EngineOptions returns the run options for target. Every host gets its
// own output tree below OutPath, named by OutPathPattern.
func (s *Settings) EngineOptions(target core.TargetHost) engine.Options {
	return s.engineOptions(target, time.Now(), os.Getpid())
}

func (s *Settings) engineOptions(target core.TargetHost, start time.Time, pid int) engine.Options {
	opts := engine.DefaultOptions(target)
	opts.ConfDirs = s.ConfDirs
	opts.InitialManifest = s.InitialManifest
	opts.LocalShell = s.LocalShell
	opts.RemoteShell = s.RemoteShell
	opts.RemoteExec = s.RemoteExec
	opts.RemoteOutPath = s.RemoteOutPath
	opts.Archiving = s.Archiving
	opts.DryRun = s.DryRun
	opts.SaveOutputStreams = s.SaveOutputStreams
	if s.OutPath != "" {
		opts.OutPath = filepath.Join(s.OutPath, local.CacheSubpath(s.OutPathPattern, target.Host, start, pid))
	}
	return opts
}

// SSHConfig returns the SSH transport configuration for host.
func (s *Settings) SSHConfig(host string) *sshtransport.Config {
	cfg := sshtransport.DefaultConfig(host, s.SSH.User)
	cfg.Port = s.SSH.Port
	cfg.AuthMethod = sshtransport.AuthMethod(s.SSH.AuthMethod)
	cfg.Password = s.SSH.Password
	cfg.PrivateKeyPath = s.SSH.PrivateKey
	cfg.KnownHostsPath = s.SSH.KnownHosts
	cfg.StrictHostKeyChecking = s.SSH.StrictHostKeyChecking
	if d, err := time.ParseDuration(s.SSH.ConnectTimeout); err == nil {
		cfg.ConnectionTimeout = d
	}
	if d, err := time.ParseDuration(s.SSH.KeepAlive); err == nil {
		cfg.KeepAliveInterval = d
	}
	if s.SSH.ProxyHost != "" {
		cfg.Jump = cfg.JumpVia(s.SSH.ProxyHost, s.SSH.ProxyUser)
	}
	return cfg
}
