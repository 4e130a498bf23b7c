// Package ssh is the built-in SSH transport.
//
// SSHClient keeps one connection per target host and opens a session for
// every remote command, so a run does not depend on an ssh binary or an
// ssh_config. Files are written over SFTP.
package ssh
