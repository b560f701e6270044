package types

import (
	"fmt"
	"path/filepath"
)

// ErrorKind is the coarse error taxonomy. Kinds classify behavior, not Go
// types: scanner and metadata stages convert Data and Environment errors
// into events and continue; Invariant errors always surface.
type ErrorKind int

const (
	// UserError is actionable by the user: invalid selection, missing
	// access token, conflicting preferences.
	UserError ErrorKind = iota
	// EnvironmentError covers disk I/O, cloud placeholders, removed
	// media, out-of-space conditions.
	EnvironmentError
	// DataError covers corrupted containers, unreadable EXIF,
	// unsupported codecs, DRM-protected streams.
	DataError
	// InvariantError indicates a bug; it aborts the current call.
	InvariantError
)

func (k ErrorKind) String() string {
	switch k {
	case UserError:
		return "user"
	case EnvironmentError:
		return "environment"
	case DataError:
		return "data"
	default:
		return "invariant"
	}
}

// CoreError is a classified error with a stable area/code path and a
// one-line user message. Paths embedded in messages are shortened to base
// name plus one parent directory.
type CoreError struct {
	Kind    ErrorKind
	Area    string // subsystem, e.g. "scanner", "executor"
	Code    string // stable short code, e.g. "access_denied"
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Area, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Area, e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError builds a CoreError.
func NewError(kind ErrorKind, area, code, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Area: area, Code: code, Message: message, Err: err}
}

// ShortPath reduces a path to base name plus one parent directory for
// user-visible messages.
func ShortPath(path string) string {
	dir, base := filepath.Split(filepath.Clean(path))
	parent := filepath.Base(filepath.Clean(dir))
	if parent == "." || parent == string(filepath.Separator) || parent == "" {
		return base
	}
	return filepath.Join(parent, base)
}
