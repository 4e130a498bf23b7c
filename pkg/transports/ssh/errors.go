package ssh

import (
	"errors"
	"fmt"
	"time"
)

// OpError is a failed operation on the connection to Host.
type OpError struct {
	// Op is the failed operation: connect, jump, session, exec, sftp,
	// upload, chmod, download or disconnect.
	Op   string
	Host string
	Err  error

	// Retryable is set when the operation may succeed if tried again,
	// for example after a dial timeout.
	Retryable bool

	// Auth is set when the server or the jump host rejected the
	// credentials or the host key.
	Auth bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("ssh %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *OpError) Temporary() bool {
	return e.Retryable
}

// IsAuthError reports whether err was caused by rejected credentials or an
// unknown host key.
func IsAuthError(err error) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Auth
}

// ConnectionInfo describes the connection of an SSHClient.
type ConnectionInfo struct {
	Address      string
	User         string
	Jump         string // empty without a jump host
	Connected    bool
	ConnectedAt  time.Time
	LastActivity time.Time
}
