// Package ssh connects gantry to a provisioned instance. A connected
// Client executes remote commands, uploads files over SFTP, and satisfies
// the runner client's Transport contract so it can carry an agent session.
package ssh

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute",
	// "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may clear on retry.
	IsTemporary bool

	// IsAuthError indicates the failure is in authentication material
	// rather than the connection.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
