package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// Upload copies a local file to the instance over SFTP. Parent
// directories are created as needed and the local file's permission bits
// are preserved, so an uploaded agent binary stays executable.
func (c *Client) Upload(ctx context.Context, localPath string, remotePath string) error {
	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return c.upload(ctx, sftpClient, localPath, remotePath)
}

// UploadDirectory recursively copies a local directory to the instance,
// sharing one SFTP session for the whole tree.
func (c *Client) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("uploading directory")

	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		targetPath := path.Join(remotePath, filepath.ToSlash(relPath))

		if info.IsDir() {
			if err := sftpClient.MkdirAll(targetPath); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			return nil
		}
		return c.upload(ctx, sftpClient, p, targetPath)
	})
}

// upload copies one file through an established SFTP session.
func (c *Client) upload(ctx context.Context, sftpClient *sftp.Client, localPath string, remotePath string) error {
	start := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local file: %w", err)}
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		c.logger.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")

	return nil
}

// sftpClient opens an SFTP session on the current connection.
func (c *Client) sftpClient() (*sftp.Client, error) {
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to open SFTP session: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// Checksum returns the SHA-256 checksum of a remote file, computed on the
// instance with sha256sum.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	stdout, _, err := c.ExecuteCommand(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", err
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("unexpected sha256sum output: %q", stdout)}
	}
	return fields[0], nil
}

// LocalChecksum returns the SHA-256 checksum of a local file in the hex
// form sha256sum prints, for comparing against Checksum after an upload.
func LocalChecksum(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
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
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
