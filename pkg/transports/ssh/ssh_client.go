package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/converge/pkg/telemetry"
)

var errNotConnected = errors.New("not connected")

// SSHClient holds one SSH connection to a target host. Every remote
// command of a run is a new session on that connection.
type SSHClient struct {
	config *Config
	logger *telemetry.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("ssh %s: %w", config.Host, err)
	}

	return &SSHClient{
		config: config,
		logger: telemetry.ForHost(config.Host).NewComponentLogger("ssh"),
	}, nil
}

// String names the connection for log output.
func (c *SSHClient) String() string {
	return "ssh://" + c.config.User + "@" + c.config.Address()
}

func (c *SSHClient) opError(op string, err error) *OpError {
	return &OpError{Op: op, Host: c.config.Host, Err: err, Auth: isAuthFailure(err), Retryable: isRetryable(err)}
}

// isAuthFailure matches rejected credentials and host key mismatches.
func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Connect dials the target, through the jump host when one is configured.
// A live connection is reused. A dead one is replaced.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn("Connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	target, err := c.config.ClientConfig()
	if err != nil {
		return &OpError{Op: "connect", Host: c.config.Host, Err: err, Auth: true}
	}

	if c.config.Jump != nil {
		err = c.dialViaJump(ctx, target)
	} else {
		c.client, err = dialContext(ctx, c.config.Address(), target)
		if err != nil {
			err = c.opError("connect", err)
		}
	}
	if err != nil {
		return err
	}

	c.logger.Debugf("Connected to %s", c)
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// dialContext is ssh.Dial bounded by ctx. A connection that completes
// after ctx is done is closed.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

func (c *SSHClient) dialViaJump(ctx context.Context, target *ssh.ClientConfig) error {
	jumpConfig, err := c.config.Jump.ClientConfig()
	if err != nil {
		return &OpError{Op: "jump", Host: c.config.Jump.Host, Err: err, Auth: true}
	}

	c.logger.Debugf("Connecting through jump host %s", c.config.Jump.Address())
	jump, err := dialContext(ctx, c.config.Jump.Address(), jumpConfig)
	if err != nil {
		e := c.opError("jump", err)
		e.Host = c.config.Jump.Host
		return e
	}

	address := c.config.Address()
	conn, err := jump.Dial("tcp", address)
	if err != nil {
		_ = jump.Close()
		return c.opError("connect", err)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, target)
	if err != nil {
		_ = conn.Close()
		_ = jump.Close()
		return c.opError("connect", err)
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.jump = jump
	return nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.logger.Debug("Closing connection")
	if err := c.closeLocked(); err != nil && !errors.Is(err, net.ErrClosed) {
		return c.opError("disconnect", err)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.client = nil
	return err
}

// IsConnected reports whether Connect succeeded and Disconnect was not
// called since.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck runs `true` on the target.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return c.opError("healthcheck", errNotConnected)
	}
	return c.ping()
}

// ping must be called with mu held.
func (c *SSHClient) ping() error {
	session, err := c.client.NewSession()
	if err != nil {
		return c.opError("session", err)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return c.opError("healthcheck", err)
	}
	return nil
}

// keepAlive sends keep-alive requests until stop is closed or
// MaxKeepAliveRetries requests in a row failed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.WithError(err).Warnf("Keep-alive failed (%d/%d)", failures, c.config.MaxKeepAliveRetries)
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error("Giving up keep-alive, the connection is probably dead")
				return
			}
			continue
		}
		failures = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// GetConnectionInfo describes the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := ConnectionInfo{
		Address:      c.config.Address(),
		User:         c.config.User,
		Connected:    c.client != nil,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
	if c.config.Jump != nil {
		info.Jump = c.config.Jump.Address()
	}
	return info
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return nil, c.opError("session", errNotConnected)
	}
	c.touch()
	return client, nil
}
