package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
)

// Streams wires the standard streams of a remote command.
type Streams struct {
	// Stdin is copied to the command. Ignored when PipeStdin is set.
	Stdin io.Reader

	// PipeStdin makes Process.Stdin return a writer connected to the
	// command's input. Closing it signals EOF.
	PipeStdin bool

	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started remote command.
type Process interface {
	// Stdin returns the input pipe, or nil if the process was not started
	// with Streams.PipeStdin.
	Stdin() io.WriteCloser

	// Wait blocks until the command exits. A non-zero exit is an error.
	// It must be called at most once.
	Wait() error

	// Kill terminates the command. It does not wait for it.
	Kill() error
}

// Transport runs a shell command string on the target host.
type Transport interface {
	Start(ctx context.Context, command string, streams Streams) (Process, error)
}

// FileWriter is implemented by transports that can write a file on the
// target without going through a shell. A zero mode leaves the
// permissions to the remote side.
type FileWriter interface {
	WriteFile(ctx context.Context, dest string, r io.Reader, mode os.FileMode) error
}

// CommandTransport reaches the target through an external command such
// as "ssh -o User=root". It is invoked as <exec...> <host> <command>.
type CommandTransport struct {
	Exec   []string
	Target core.TargetHost
}

// NewCommandTransport splits remoteExec with shell quoting rules.
func NewCommandTransport(remoteExec string, target core.TargetHost) (*CommandTransport, error) {
	argv, err := shellquote.Split(remoteExec)
	if err != nil {
		return nil, fmt.Errorf("invalid remote exec command %q: %w", remoteExec, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("remote exec command is empty")
	}
	return &CommandTransport{Exec: argv, Target: target}, nil
}

// String returns the quoted remote exec command.
func (t *CommandTransport) String() string {
	return shellquote.Join(t.Exec...)
}

// Start runs the remote exec command. The __target_* variables are added
// to its environment for use by remote exec wrapper scripts.
func (t *CommandTransport) Start(ctx context.Context, command string, streams Streams) (Process, error) {
	argv := append(append([]string{}, t.Exec...), t.Target.Host, command)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = local.MergeEnv(os.Environ(), t.Target.Env())
	cmd.Stdout = streams.Stdout
	cmd.Stderr = streams.Stderr

	p := &cmdProcess{cmd: cmd}
	if streams.PipeStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		p.stdin = stdin
	} else {
		cmd.Stdin = streams.Stdin
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return p, nil
}

type cmdProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	once    sync.Once
	waitErr error
}

func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *cmdProcess) Wait() error {
	p.once.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// wait waits for proc, killing it if ctx is cancelled first. The process
// is waited on exactly once.
func wait(ctx context.Context, proc Process) error {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}
}
