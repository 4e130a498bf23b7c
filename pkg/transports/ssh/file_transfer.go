package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/openfroyo/converge/pkg/exec/remote"
)

var _ remote.FileWriter = (*SSHClient)(nil)

// createSFTPClient opens an SFTP subsystem on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, c.opError("sftp", err)
	}

	return sftpClient, nil
}

// WriteFile streams r into the remote file dest, replacing it. A non-zero
// mode is applied after the content is written. The parent directory must
// already exist.
func (c *SSHClient) WriteFile(ctx context.Context, dest string, r io.Reader, mode os.FileMode) error {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return c.opError("upload", fmt.Errorf("create %s: %w", dest, err))
	}

	written, err := copyWithContext(ctx, remoteFile, r)
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return c.opError("upload", fmt.Errorf("write %s: %w", dest, err))
	}

	if mode != 0 {
		if err := sftpClient.Chmod(dest, mode); err != nil {
			return c.opError("chmod", fmt.Errorf("%s: %w", dest, err))
		}
	}

	c.logger.Tracef("uploaded %d bytes to %s", written, dest)
	return nil
}

// ReadFile returns the content of a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, src string) ([]byte, error) {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(src)
	if err != nil {
		return nil, c.opError("download", fmt.Errorf("open %s: %w", path.Clean(src), err))
	}
	defer f.Close()

	var buf limitedBuffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, c.opError("download", err)
	}
	return []byte(buf.String()), nil
}

// copyWithContext copies data with context cancellation support.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
