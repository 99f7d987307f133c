// Package ssh runs commands and copies files on Logstash hosts over SSH.
package ssh

import (
	"context"
	"fmt"
	"time"
)

// Transport is one authenticated SSH connection to a machine.
type Transport interface {
	// Connect establishes the connection. Connecting an already connected
	// transport is a no-op while the connection is healthy.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops keep-alives.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck runs a trivial command to prove the connection still works.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd through the remote shell. A non-zero exit status is
	// reported in ExecResult.ExitCode, not as an error; errors mean the command
	// could not be run or did not finish (timeout, dropped connection).
	ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error)

	// UploadFile copies a local file to remotePath over SFTP, creating parent
	// directories. mode is applied when non-zero.
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*FileTransferResult, error)

	// ComputeChecksum returns the SHA-256 of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo describes the connection for logs and the CLI.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes an SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// FileTransferResult describes a completed upload.
type FileTransferResult struct {
	LocalPath        string
	RemotePath       string
	BytesTransferred int64
	Checksum         string
	Duration         time.Duration
}

// TransportError is returned for every SSH-level failure.
type TransportError struct {
	Op          string
	Host        string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
