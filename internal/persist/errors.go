package persist

import (
	"fmt"
	"strings"

	"github.com/systemshift/persistore/internal/heap"
)

// Every error below aborts the whole dump or load it occurs in.

// location renders "path:line" for diagnostics, omitting what is unknown.
func location(path string, line int) string {
	switch {
	case path == "":
		return ""
	case line <= 0:
		return path
	default:
		return fmt.Sprintf("%s:%d", path, line)
	}
}

func withLocation(path string, line int, msg string) string {
	if loc := location(path, line); loc != "" {
		return loc + ": " + msg
	}
	return msg
}

// FormatError reports an unrecognized format tag or a malformed document.
type FormatError struct {
	Path string
	Line int
	Got  string
	Want string
	Msg  string
	Err  error
}

func formatErrf(path string, line int, err error, format string, args ...any) error {
	return &FormatError{Path: path, Line: line, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Error() string {
	var buf strings.Builder
	if e.Msg != "" {
		buf.WriteString(e.Msg)
	} else {
		buf.WriteString("bad format")
	}
	if e.Got != "" || e.Want != "" {
		fmt.Fprintf(&buf, ": got %q, want %q", e.Got, e.Want)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return withLocation(e.Path, e.Line, buf.String())
}

// HeaderMismatchError reports a space file header that disagrees with the
// file's content or with the manifest.
type HeaderMismatchError struct {
	Path     string
	Field    string
	Declared string
	Actual   string
}

func (e *HeaderMismatchError) Error() string {
	return withLocation(e.Path, 0, fmt.Sprintf("header %s declares %s, found %s", e.Field, e.Declared, e.Actual))
}

// DuplicateIDError reports an object id defined twice, within or across
// space files.
type DuplicateIDError struct {
	ID        heap.ObjectID
	Path      string
	Line      int
	FirstPath string
	FirstLine int
}

func (e *DuplicateIDError) Error() string {
	return withLocation(e.Path, e.Line, fmt.Sprintf("duplicate object %s, first defined at %s", e.ID, location(e.FirstPath, e.FirstLine)))
}

// UnresolvedReferenceError reports an object id missing from the registry.
type UnresolvedReferenceError struct {
	ID      heap.ObjectID
	Path    string
	Line    int
	Context string
}

func (e *UnresolvedReferenceError) Error() string {
	msg := fmt.Sprintf("unresolved reference to %s", e.ID)
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	return withLocation(e.Path, e.Line, msg)
}

// UnknownPayloadTypeError reports a payload type name with no registered
// loader.
type UnknownPayloadTypeError struct {
	Name string
	ID   heap.ObjectID
	Path string
	Line int
}

func (e *UnknownPayloadTypeError) Error() string {
	return withLocation(e.Path, e.Line, fmt.Sprintf("object %s has unknown payload type %q", e.ID, e.Name))
}

// ChecksumMismatchError reports a space file whose content does not match
// the checksum recorded in the manifest.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return withLocation(e.Path, 0, fmt.Sprintf("checksum mismatch: manifest says %s, file hashes to %s", e.Want, e.Got))
}

// IOError wraps an open, read, write or rename failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}
