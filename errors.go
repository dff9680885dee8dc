package sftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// Errors returned by the engine. They are matched with errors.Is.
var (
	// ErrMalformedPacket is returned for a response that could not be decoded.
	ErrMalformedPacket = sshfx.ErrMalformedPacket

	// ErrOversizedPacket is returned for a response longer than the maximum packet length.
	ErrOversizedPacket = sshfx.ErrOversizedPacket

	// ErrUnknownHandle is returned when a file or directory is used after it has been closed.
	ErrUnknownHandle = errors.New("sftp: unknown handle")

	// ErrProtocolVersionMismatch is returned when the server does not speak SFTP version 3.
	ErrProtocolVersionMismatch = errors.New("sftp: protocol version mismatch")

	// ErrNotConnected is returned by operations on a session that is not ready.
	ErrNotConnected = errors.New("sftp: not connected")

	// ErrTransportClosed is returned when the underlying byte stream has gone away.
	ErrTransportClosed = errors.New("sftp: transport closed")

	// ErrCanceled is returned by requests that were still pending when the session went away.
	ErrCanceled = errors.New("sftp: request canceled")

	// ErrTimeout is returned by a request that got no response within the request timeout.
	ErrTimeout = errors.New("sftp: request timed out")
)

// VersionMismatchError reports the version a server answered the handshake with.
type VersionMismatchError struct {
	Got, Want uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("sftp: unexpected server version: got %v, want %v", e.Got, e.Want)
}

// Is makes a VersionMismatchError match ErrProtocolVersionMismatch.
func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrProtocolVersionMismatch
}

// RemoteError is a failure reported by the server in an SSH_FXP_STATUS packet.
// The code and message are passed through exactly as the server sent them.
type RemoteError struct {
	Code    sshfx.Status
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "sftp: " + e.Code.String()
	}
	return fmt.Sprintf("sftp: %s: %q", e.Code, e.Message)
}

// Is matches the status code itself, and the fs errors that correspond to it.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == sshfx.StatusNoSuchFile
	case fs.ErrPermission:
		return e.Code == sshfx.StatusPermissionDenied
	}

	if code, ok := target.(sshfx.Status); ok {
		return e.Code == code
	}

	return false
}

// canceled wraps the reason a pending request was dropped.
func canceled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

func statusToError(status *sshfx.StatusPacket, okExpected bool) error {
	switch status.StatusCode {
	case sshfx.StatusOK:
		if !okExpected {
			return fmt.Errorf("%w: unexpected SSH_FX_OK", ErrMalformedPacket)
		}
		return nil

	case sshfx.StatusEOF:
		return io.EOF
	}

	return &RemoteError{
		Code:    status.StatusCode,
		Message: status.ErrorMessage,
	}
}

func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		// Numerous odd things break if we don't return bare io.EOF errors.
		return io.EOF
	}

	return &fs.PathError{Op: op, Path: path, Err: err}
}
