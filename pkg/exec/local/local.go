// Package local runs scripts on the machine driving a run and owns the
// local output tree.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// DefaultShell runs local scripts unless configured otherwise.
const DefaultShell = "/bin/sh"

// Local describes the local output tree of one run:
//
//	<base>/bin        emulator links, one per type
//	<base>/conf       merged configuration directories
//	<base>/explorer   global explorer results
//	<base>/object     object store
//	<base>/stdout     captured output of the initial manifest
//	<base>/stderr
type Local struct {
	Target core.TargetHost

	// BasePath is the output root, exposed to scripts as __global.
	BasePath string

	// ConfDirs are merged into <base>/conf in order; later entries win.
	ConfDirs []string

	// Shell interprets local scripts.
	Shell string

	// ExecPath is the binary the emulator links point to.
	ExecPath string

	// SaveOutputStreams keeps captured stdout/stderr files. When false
	// output goes to /dev/null unless a script's output is returned.
	SaveOutputStreams bool

	// ObjectMarker terminates every object directory of this run.
	ObjectMarker string
}

// New returns a Local rooted at basePath.
func New(target core.TargetHost, basePath string, confDirs []string) *Local {
	return &Local{
		Target:            target,
		BasePath:          basePath,
		ConfDirs:          confDirs,
		Shell:             DefaultShell,
		SaveOutputStreams: true,
		ObjectMarker:      core.NewMarker(),
	}
}

// NewStore opens the object store of this run.
func (l *Local) NewStore() *core.Store {
	return core.NewStore(l.ObjectPath(), l.TypePath(), l.ObjectMarker)
}

// ScriptEnv returns the variables every manifest, generator and code
// script sees. Level and colour settings are taken from logger.
func (l *Local) ScriptEnv(logger *telemetry.Logger, dryRun bool) map[string]string {
	env := map[string]string{
		"LANG":                   "C",
		"LC_ALL":                 "C",
		"PATH":                   l.BinPath() + ":" + os.Getenv("PATH"),
		"__cdist_type_base_path": l.TypePath(),
		"__cdist_object_marker":  l.ObjectMarker,
		"__global":               l.BasePath,
		"__files":                l.FilesPath(),
		"__target_host_tags":     "",
		"__cdist_log_level":      logger.EnvLevel(),
		"__cdist_log_level_name": logger.EnvLevelName(),
		"__cdist_colored_log":    logger.EnvColored(),
	}
	for k, v := range l.Target.Env() {
		env[k] = v
	}
	if dryRun {
		env["__cdist_dry_run"] = "1"
	}
	return env
}

func (l *Local) log() *telemetry.Logger {
	return telemetry.ForHost(l.Target.Host)
}

func (l *Local) BinPath() string               { return filepath.Join(l.BasePath, "bin") }
func (l *Local) ConfPath() string              { return filepath.Join(l.BasePath, "conf") }
func (l *Local) GlobalExplorerOutPath() string { return filepath.Join(l.BasePath, "explorer") }
func (l *Local) ObjectPath() string            { return filepath.Join(l.BasePath, "object") }
func (l *Local) StdoutBasePath() string        { return filepath.Join(l.BasePath, "stdout") }
func (l *Local) StderrBasePath() string        { return filepath.Join(l.BasePath, "stderr") }
func (l *Local) TypePath() string              { return filepath.Join(l.ConfPath(), "type") }
func (l *Local) ManifestPath() string          { return filepath.Join(l.ConfPath(), "manifest") }
func (l *Local) GlobalExplorerPath() string    { return filepath.Join(l.ConfPath(), "explorer") }
func (l *Local) FilesPath() string             { return filepath.Join(l.ConfPath(), "files") }

// InitialManifest is the default initial manifest inside the merged conf.
func (l *Local) InitialManifest() string {
	return filepath.Join(l.ManifestPath(), "init")
}

var confSubdirs = []string{"explorer", "files", "manifest", "type"}

// CreateFilesDirs creates the output tree, merges the configuration
// directories and links one emulator command per type into BinPath.
func (l *Local) CreateFilesDirs() error {
	dirs := []string{
		l.BasePath,
		l.BinPath(),
		l.GlobalExplorerOutPath(),
		l.ObjectPath(),
		l.StdoutBasePath(),
		l.StderrBasePath(),
	}
	for _, sub := range confSubdirs {
		dirs = append(dirs, filepath.Join(l.ConfPath(), sub))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	if err := l.linkConfDirs(); err != nil {
		return err
	}
	return l.linkEmulator()
}

func (l *Local) linkConfDirs() error {
	for _, confDir := range l.ConfDirs {
		for _, sub := range confSubdirs {
			src := filepath.Join(confDir, sub)
			entries, err := os.ReadDir(src)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			for _, e := range entries {
				target, err := filepath.Abs(filepath.Join(src, e.Name()))
				if err != nil {
					return err
				}
				dst := filepath.Join(l.ConfPath(), sub, e.Name())
				l.log().Tracef("Linking %s to %s", target, dst)
				if err := os.RemoveAll(dst); err != nil {
					return err
				}
				if err := os.Symlink(target, dst); err != nil {
					return fmt.Errorf("link %s: %w", dst, err)
				}
			}
		}
	}
	return nil
}

func (l *Local) linkEmulator() error {
	execPath := l.ExecPath
	if execPath == "" {
		p, err := os.Executable()
		if err != nil {
			return err
		}
		execPath = p
	}

	entries, err := os.ReadDir(l.TypePath())
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(l.BinPath(), e.Name())
		l.log().Tracef("Linking emulator: %s to %s", execPath, dst)
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Symlink(execPath, dst); err != nil {
			return fmt.Errorf("link emulator %s: %w", dst, err)
		}
	}
	return nil
}

// RunOptions controls output handling of a local command.
type RunOptions struct {
	// Env is layered over the process environment.
	Env map[string]string

	// StdoutPath and StderrPath receive the output. Files are appended to.
	StdoutPath string
	StderrPath string

	// ReturnOutput returns stdout instead of writing it to StdoutPath.
	ReturnOutput bool

	// Stdin, if set, is fed to the command.
	Stdin io.Reader
}

// CommandError reports a local command that did not exit successfully.
type CommandError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed: %s", strings.Join(e.Command, " "))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// RunScript runs script with the configured shell in "-e" mode.
func (l *Local) RunScript(ctx context.Context, script string, opts RunOptions) (string, error) {
	shell := l.Shell
	if shell == "" {
		shell = DefaultShell
	}
	return l.Run(ctx, []string{shell, "-e", script}, opts)
}

// Run runs argv and waits for it. The process is killed when ctx is
// cancelled.
func (l *Local) Run(ctx context.Context, argv []string, opts RunOptions) (string, error) {
	l.log().Tracef("Local run: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = MergeEnv(os.Environ(), opts.Env)
	cmd.Stdin = opts.Stdin

	var stdout bytes.Buffer
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	if opts.ReturnOutput {
		cmd.Stdout = &stdout
	} else {
		w, err := l.openCapture(opts.StdoutPath)
		if err != nil {
			return "", err
		}
		closers = append(closers, w)
		cmd.Stdout = w
	}

	// stderr is kept in memory as well for the error message
	var stderrTail tailBuffer
	w, err := l.openCapture(opts.StderrPath)
	if err != nil {
		return "", err
	}
	closers = append(closers, w)
	cmd.Stderr = io.MultiWriter(w, &stderrTail)

	if err := cmd.Run(); err != nil {
		cerr := &CommandError{Command: argv, Stderr: stderrTail.String(), Err: err, ExitCode: -1}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			cerr.Err = ctx.Err()
		}
		return "", cerr
	}
	return stdout.String(), nil
}

// openCapture opens path for appending, or a discarding writer if output
// is not saved.
func (l *Local) openCapture(path string) (io.WriteCloser, error) {
	if path == "" || !l.SaveOutputStreams {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

const tailSize = 4096

// tailBuffer keeps the last tailSize bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// MergeEnv overlays env on base ("KEY=value" entries). Overridden keys
// are replaced, new keys are appended in sorted order.
func MergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := env[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
