package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the keys of the agent at SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when key authentication has no key path.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach one target host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is checked when StrictHostKeyChecking is set.
	// Without strict checking any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// KeepAliveInterval of 0 disables keep-alive requests.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// Jump is an optional host the connection is tunnelled through.
	Jump *Config
}

// DefaultConfig returns the configuration for user@host on port 22 with
// key authentication and strict host key checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(sshDir(), "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// JumpVia returns a copy of c for the jump host at host, authenticating
// as user with the credentials of c.
func (c *Config) JumpVia(host, user string) *Config {
	jump := *c
	jump.Host = host
	jump.Port = 22
	jump.User = user
	jump.KeepAliveInterval = 0
	jump.Jump = nil
	return &jump
}

func sshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".ssh")
}

// Validate checks the configuration. With key authentication and no key
// path, the first existing default key in ~/.ssh is filled in.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.User == "":
		return errors.New("user is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.KeepAliveInterval < 0:
		return errors.New("keep-alive interval must not be negative")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password authentication needs a password")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			for _, name := range defaultKeys {
				path := filepath.Join(sshDir(), name)
				if _, err := os.Stat(path); err == nil {
					c.PrivateKeyPath = path
					break
				}
			}
		}
		if c.PrivateKeyPath == "" {
			return errors.New("key authentication needs a private key and none was found in ~/.ssh")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key: %w", err)
		}
	case AuthMethodAgent:
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}

	if c.Jump != nil {
		if c.Jump.Jump != nil {
			return errors.New("only one jump host is supported")
		}
		if err := c.Jump.Validate(); err != nil {
			return fmt.Errorf("jump host %s: %w", c.Jump.Host, err)
		}
	}
	return nil
}

// ClientConfig builds the golang.org/x/crypto/ssh client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errors.New("agent authentication needs SSH_AUTH_SOCK")
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("connect to ssh-agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}

// Address returns host:port, with IPv6 literals bracketed.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
