package script

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPrivilege indicates the process lacks root privileges.
	ErrPrivilege = errors.New("root privileges are required")
	// ErrTransport indicates a network request failed, timed out or returned a bad status.
	ErrTransport = errors.New("transport error")
	// ErrManifestFormat indicates the manifest response is not the expected JSON document.
	ErrManifestFormat = errors.New("invalid manifest format")
	// ErrScriptContent indicates a script response is not the expected JSON document.
	ErrScriptContent = errors.New("invalid script content")
	// ErrPackaging indicates the external packaging tool failed.
	ErrPackaging = errors.New("packaging failed")
)

// TransportError describes a failed HTTP exchange with the server.
type TransportError struct {
	// URL is the requested address.
	URL string
	// StatusCode is the HTTP status when a response arrived, zero otherwise.
	StatusCode int
	// Err is the underlying failure.
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: GET %s: %d %s", ErrTransport, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}

	return fmt.Sprintf("%s: GET %s: %v", ErrTransport, e.URL, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}

	return []error{ErrTransport, e.Err}
}

// PackagingError carries the diagnostics of a failed packaging tool run.
type PackagingError struct {
	// Tool is the path of the packaging executable.
	Tool string
	// ExitCode is the tool's exit status, or -1 if it did not run to completion.
	ExitCode int
	// Output is the captured combined stdout and stderr of the tool.
	Output []byte
	// Err is the underlying failure.
	Err error
}

// Error implements error.
func (e *PackagingError) Error() string {
	msg := fmt.Sprintf("%s: %s exited with code %d", ErrPackaging, e.Tool, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	if len(e.Output) > 0 {
		msg += "\n" + string(e.Output)
	}

	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *PackagingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPackaging}
	}

	return []error{ErrPackaging, e.Err}
}
