package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/exec/remote"
)

var _ remote.Transport = (*SSHClient)(nil)

// ExitError reports a remote command that ended with a non-zero status
// or without any status at all.
type ExitError struct {
	Command string
	Status  int
	Signal  string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("remote command killed by signal %s: %s", e.Signal, e.Command)
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.Status, e.Command)
}

// ExitCode returns the exit status, -1 when the command was killed or
// ended without one.
func (e *ExitError) ExitCode() int {
	if e.Signal != "" {
		return -1
	}
	return e.Status
}

// Start runs command in a new session. The remote side hands the string
// to the login shell of the connected user, the same way ssh(1) does.
func (c *SSHClient) Start(ctx context.Context, command string, streams remote.Streams) (remote.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, c.opError("session", err)
	}

	p := &sessionProcess{client: c, session: session, command: command}
	session.Stdout = streams.Stdout
	session.Stderr = streams.Stderr
	if streams.PipeStdin {
		p.stdin, err = session.StdinPipe()
		if err != nil {
			_ = session.Close()
			return nil, c.opError("exec", err)
		}
	} else if streams.Stdin != nil {
		session.Stdin = streams.Stdin
	}

	c.logger.Tracef("exec: %s", command)
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, c.opError("exec", err)
	}

	return p, nil
}

// sessionProcess adapts an ssh.Session to remote.Process.
type sessionProcess struct {
	client  *SSHClient
	session *ssh.Session
	command string
	stdin   io.WriteCloser

	once sync.Once
	err  error
}

func (p *sessionProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *sessionProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.exitError(p.session.Wait())
		_ = p.session.Close()
	})
	return p.err
}

func (p *sessionProcess) exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: p.command, Status: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return &ExitError{Command: p.command, Status: -1}
	}
	return p.client.opError("exec", err)
}

// Kill asks the server to deliver SIGKILL and tears the channel down.
// Servers that ignore signal requests still see the channel close.
func (p *sessionProcess) Kill() error {
	_ = p.session.Signal(ssh.SIGKILL)
	err := p.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ExecuteCommand runs command and returns its captured output.
func (c *SSHClient) ExecuteCommand(ctx context.Context, command string) (stdout, stderr string, err error) {
	var outBuf, errBuf limitedBuffer
	proc, err := c.Start(ctx, command, remote.Streams{Stdout: &outBuf, Stderr: &errBuf})
	if err != nil {
		return "", "", err
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = proc.Kill()
		err = ctx.Err()
	}
	return trimNewline(outBuf.String()), trimNewline(errBuf.String()), err
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// limitedBuffer is a goroutine safe buffer capped at 1 MiB.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const maxCapture = 1 << 20

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxCapture - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
