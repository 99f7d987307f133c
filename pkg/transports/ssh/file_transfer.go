package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// fileTransfer copies files over SFTP sessions of an SSHClient.
type fileTransfer struct {
	client *SSHClient
	config *Config
}

// UploadFile uploads a single file to the remote host.
func (c *SSHClient) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*FileTransferResult, error) {
	return c.fileTransfer.uploadFile(ctx, localPath, remotePath, mode)
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	return c.fileTransfer.computeChecksum(ctx, remotePath)
}

func (f *fileTransfer) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := f.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Host:        f.config.Host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

func (f *fileTransfer) uploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Uint32("mode", mode).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:   "upload",
			Host: f.config.Host,
			Err:  fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	// Remote paths are POSIX regardless of the local OS.
	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{
			Op:   "upload",
			Host: f.config.Host,
			Err:  fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Host:        f.config.Host,
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	hash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(localFile, hash))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Host:        f.config.Host,
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	result := &FileTransferResult{
		LocalPath:        localPath,
		RemotePath:       remotePath,
		BytesTransferred: written,
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
	}

	if f.config.VerifyUploads {
		remoteSum, err := f.computeChecksum(ctx, remotePath)
		if err != nil {
			return nil, err
		}
		if remoteSum != result.Checksum {
			return nil, &TransportError{
				Op:   "upload",
				Host: f.config.Host,
				Err:  fmt.Errorf("checksum mismatch for %s: local %s, remote %s", remotePath, result.Checksum, remoteSum),
			}
		}
	}

	result.Duration = time.Since(startTime)

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded successfully")

	return result, nil
}

func (f *fileTransfer) computeChecksum(ctx context.Context, remotePath string) (string, error) {
	res, err := f.client.executor.execute(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &TransportError{
			Op:   "checksum",
			Host: f.config.Host,
			Err:  fmt.Errorf("sha256sum exited with code %d: %s", res.ExitCode, res.Stderr),
		}
	}

	parts := strings.Fields(res.Stdout)
	if len(parts) == 0 {
		return "", &TransportError{
			Op:   "checksum",
			Host: f.config.Host,
			Err:  fmt.Errorf("empty sha256sum output for %s", remotePath),
		}
	}

	log.Debug().Str("path", remotePath).Str("checksum", parts[0]).Msg("checksum computed")
	return parts[0], nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
