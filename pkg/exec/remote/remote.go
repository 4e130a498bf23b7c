// Package remote runs commands on the target host and transfers files
// to it.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"

	"github.com/openfroyo/converge/pkg/archive"
	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/telemetry"
)

const (
	// DefaultBasePath is the remote working directory of a run.
	DefaultBasePath = "/var/lib/converge"

	// DefaultShell interprets remote scripts.
	DefaultShell = "/bin/sh"

	// NoUmask disables the umask/chmod handling of Mkdir and Transfer.
	NoUmask = -1
)

// Remote is the single point of interaction with the target host.
type Remote struct {
	Target    core.TargetHost
	Transport Transport

	// BasePath is the remote working directory.
	BasePath string

	// Shell interprets remote scripts.
	Shell string

	// Archiving selects how directories are transferred.
	Archiving archive.Mode

	// StdoutBasePath and StderrBasePath receive the output of commands
	// run without explicit capture files, in a file named "remote".
	StdoutBasePath string
	StderrBasePath string

	Metrics *telemetry.Metrics
}

// New returns a Remote with default paths and shell.
func New(target core.TargetHost, transport Transport) *Remote {
	return &Remote{
		Target:    target,
		Transport: transport,
		BasePath:  DefaultBasePath,
		Shell:     DefaultShell,
		Archiving: archive.Tar,
	}
}

func (r *Remote) log() *telemetry.Logger {
	return telemetry.ForHost(r.Target.Host)
}

func (r *Remote) ConfPath() string           { return filepath.Join(r.BasePath, "conf") }
func (r *Remote) ObjectPath() string         { return filepath.Join(r.BasePath, "object") }
func (r *Remote) TypePath() string           { return filepath.Join(r.ConfPath(), "type") }
func (r *Remote) GlobalExplorerPath() string { return filepath.Join(r.ConfPath(), "explorer") }

// CommandError reports a remote command that did not succeed.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command failed: %s: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exited reports whether the command ran to a non-zero exit status, as
// opposed to failing to start or losing its connection.
func (e *CommandError) Exited() bool {
	var exit interface{ ExitCode() int }
	return errors.As(e.Err, &exit)
}

// DecodeError reports command output that is not valid text.
type DecodeError struct {
	Command string
}

func (e *DecodeError) Error() string {
	return "Cannot decode output of " + e.Command
}

// CreateFilesDirs recreates the remote working directory, readable only
// by the remote user.
func (r *Remote) CreateFilesDirs(ctx context.Context) error {
	if err := r.Rmdir(ctx, r.BasePath); err != nil {
		return err
	}
	if err := r.Mkdir(ctx, r.BasePath, 0o077); err != nil {
		return err
	}
	return r.Mkdir(ctx, r.ConfPath(), NoUmask)
}

// RemoveFilesDirs removes the remote working directory.
func (r *Remote) RemoveFilesDirs(ctx context.Context) error {
	return r.Rmdir(ctx, r.BasePath)
}

// Rmfile removes a file on the target.
func (r *Remote) Rmfile(ctx context.Context, path string) error {
	r.log().Tracef("Remote rm: %s", path)
	_, err := r.Run(ctx, shellquote.Join("rm", "-f", path), RunOptions{})
	return err
}

// Rmdir removes a directory tree on the target.
func (r *Remote) Rmdir(ctx context.Context, path string) error {
	r.log().Tracef("Remote rmdir: %s", path)
	_, err := r.Run(ctx, shellquote.Join("rm", "-r", "-f", path), RunOptions{})
	return err
}

// Mkdir creates a directory on the target. With a umask other than
// NoUmask the directory is created under that umask and chmodded to
// 0777 &^ umask.
func (r *Remote) Mkdir(ctx context.Context, path string, umask int) error {
	r.log().Tracef("Remote mkdir: %s", path)
	_, err := r.Run(ctx, MkdirCommand(path, umask), RunOptions{})
	return err
}

// MkdirCommand returns the shell command Mkdir runs.
func MkdirCommand(path string, umask int) string {
	cmd := "mkdir -p " + shellquote.Join(path)
	if umask == NoUmask {
		return cmd
	}
	mode := 0o777 &^ umask
	return fmt.Sprintf("umask %04o; %s && chmod %o %s", umask, cmd, mode, shellquote.Join(path))
}

// FileCommand returns the shell command that writes its input to dest.
// srcMode is the permission of the source file.
func FileCommand(dest string, srcMode os.FileMode, umask int) string {
	cmd := "cat >" + shellquote.Join(dest)
	if umask == NoUmask {
		return cmd
	}
	mode := int(srcMode.Perm()) &^ umask
	return fmt.Sprintf("umask %04o; %s && chmod %o %s", umask, cmd, mode, shellquote.Join(dest))
}

// ExtractCommand returns the shell command that unpacks an archive read
// from its input into dest.
func ExtractCommand(dest string, mode archive.Mode) string {
	return fmt.Sprintf("cd %s && tar x%s", shellquote.Join(dest), mode.ExtractOptions())
}

// Transfer copies a file or directory to destination on the target.
func (r *Remote) Transfer(ctx context.Context, source, destination string, umask int) error {
	r.log().Tracef("Remote transfer: %s -> %s", source, destination)

	fi, err := os.Stat(source)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return r.transferDir(ctx, source, destination, umask)
	}
	return r.transferFile(ctx, source, destination, fi.Mode(), umask)
}

func (r *Remote) transferFile(ctx context.Context, source, destination string, mode os.FileMode, umask int) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	r.Metrics.RecordTransfer("file")
	if fw, ok := r.Transport.(FileWriter); ok {
		var perm os.FileMode
		if umask != NoUmask {
			perm = mode.Perm() &^ os.FileMode(umask)
		}
		return fw.WriteFile(ctx, destination, f, perm)
	}
	_, err = r.Run(ctx, FileCommand(destination, mode, umask), RunOptions{Stdin: f})
	return err
}

func (r *Remote) transferDir(ctx context.Context, source, destination string, umask int) error {
	if !r.Archiving.Enabled() {
		return r.transferDirOneByOne(ctx, source, destination, umask)
	}

	r.log().Trace("Remote transfer in archiving mode")
	if err := archive.Check(source); err != nil {
		if errors.Is(err, archive.ErrNotEnoughFiles) {
			r.log().Tracef("Archiving failed: %v", err)
			return r.transferDirOneByOne(ctx, source, destination, umask)
		}
		return err
	}

	if err := r.Mkdir(ctx, destination, umask); err != nil {
		return err
	}
	r.Metrics.RecordTransfer("archive")
	return r.extract(ctx, source, destination)
}

// extract streams an archive of source into a remote tar process. The
// transfer only succeeds if the remote tar exits successfully.
func (r *Remote) extract(ctx context.Context, source, destination string) error {
	command := ExtractCommand(destination, r.Archiving)
	r.log().Tracef("Remote extract archive to: %s", destination)

	var stderr bytes.Buffer
	proc, err := r.Transport.Start(ctx, command, Streams{PipeStdin: true, Stderr: &stderr})
	if err != nil {
		return &CommandError{Command: command, Err: err}
	}

	writeErr := archive.Write(proc.Stdin(), source, r.Archiving)
	closeErr := proc.Stdin().Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		// reap the receiver; its exit status is superseded by writeErr
		_ = proc.Kill()
		_ = proc.Wait()
		return &CommandError{Command: command, Stderr: stderr.String(), Err: fmt.Errorf("archive %s: %w", source, writeErr)}
	}

	if err := wait(ctx, proc); err != nil {
		return &CommandError{Command: command, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func (r *Remote) transferDirOneByOne(ctx context.Context, source, destination string, umask int) error {
	r.Metrics.RecordTransfer("onebyone")
	if err := r.Mkdir(ctx, destination, umask); err != nil {
		return err
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		src := filepath.Join(source, e.Name())
		dst := filepath.Join(destination, e.Name())
		fi, err := os.Stat(src)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			err = r.transferDirOneByOne(ctx, src, dst, umask)
		} else {
			err = r.transferFile(ctx, src, dst, fi.Mode(), umask)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RunOptions controls a remote command.
type RunOptions struct {
	// Env is exported on the remote side before the command runs.
	Env map[string]string

	// Stdin is fed to the command.
	Stdin io.Reader

	// StdoutPath and StderrPath receive the output (appended).
	StdoutPath string
	StderrPath string

	// ReturnOutput returns stdout as text instead of writing it to a file.
	ReturnOutput bool
}

// RunScript runs a script that already exists on the target.
func (r *Remote) RunScript(ctx context.Context, script string, opts RunOptions) (string, error) {
	shell := r.Shell
	if shell == "" {
		shell = DefaultShell
	}
	return r.Run(ctx, shellquote.Join("exec", shell, "-e", script), opts)
}

// Run runs a shell command string on the target.
//
// Environment variables cannot be passed through the transport, so they
// are exported by an explicit /bin/sh wrapper. This keeps the command
// independent of the remote user's login shell.
func (r *Remote) Run(ctx context.Context, command string, opts RunOptions) (string, error) {
	if len(opts.Env) > 0 {
		command = shellquote.Join("/bin/sh", "-c", ExportPrefix(opts.Env)+command)
	}
	r.log().Tracef("Remote run: %s", command)

	var stdout bytes.Buffer
	streams := Streams{Stdin: opts.Stdin}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	open := func(path, fallback string) (io.Writer, error) {
		if path == "" && fallback != "" {
			path = filepath.Join(fallback, "remote")
		}
		if path == "" {
			return io.Discard, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		return f, nil
	}

	if opts.ReturnOutput {
		streams.Stdout = &stdout
	} else {
		w, err := open(opts.StdoutPath, r.StdoutBasePath)
		if err != nil {
			return "", err
		}
		streams.Stdout = w
	}

	var stderr bytes.Buffer
	w, err := open(opts.StderrPath, r.StderrBasePath)
	if err != nil {
		return "", err
	}
	streams.Stderr = io.MultiWriter(w, &stderr)

	proc, err := r.Transport.Start(ctx, command, streams)
	if err != nil {
		return "", &CommandError{Command: command, Err: err}
	}
	if err := wait(ctx, proc); err != nil {
		return "", &CommandError{Command: command, Stderr: stderr.String(), Err: err}
	}

	if opts.ReturnOutput {
		if !utf8.Valid(stdout.Bytes()) {
			return "", &DecodeError{Command: command}
		}
		return stdout.String(), nil
	}
	return "", nil
}

// ExportPrefix renders env as "export k=v ...; " with values quoted.
// Keys are sorted.
func ExportPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		v := env[k]
		if v == "" {
			parts[i] = k + "="
		} else {
			parts[i] = k + "=" + shellquote.Join(v)
		}
	}
	return "export " + strings.Join(parts, " ") + "; "
}
