package driven

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by all driven adapters.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a record with the same identity already exists.
	ErrConflict = errors.New("already exists")

	// ErrCertificateNotFound indicates the certificate authority has no
	// certificate under the requested name.
	ErrCertificateNotFound = errors.New("certificate not found at authority")

	// ErrBinding indicates a certificate binding for a domain the certificate
	// does not cover.
	ErrBinding = errors.New("certificate does not cover domain")
)

// ProcessError describes an external command that exited unsuccessfully.
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
