package vimage

import "fmt"

// Kind identifies a class of failure. The core never panics on bad input
// or bad on-disk data; every failure the core detects itself is returned
// as an *Error carrying one of these. Errors raised by the underlying
// file, buffer, or caller-supplied callbacks are passed through as they
// come, and KindOf reports 0 for them.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	NoSuchEntry
	AlreadyExists
	NotADirectory
	IsADirectory
	PermissionDenied
	WouldBlock
	IOIntegrity
	UnsupportedFilter
	NameTooLong
	TooManyLinks
	OutOfMemory
	EndOfStream
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NoSuchEntry:
		return "no_such_entry"
	case AlreadyExists:
		return "already_exists"
	case NotADirectory:
		return "not_a_directory"
	case IsADirectory:
		return "is_a_directory"
	case PermissionDenied:
		return "permission_denied"
	case WouldBlock:
		return "would_block"
	case IOIntegrity:
		return "io_integrity"
	case UnsupportedFilter:
		return "unsupported_filter"
	case NameTooLong:
		return "name_too_long"
	case TooManyLinks:
		return "too_many_links"
	case OutOfMemory:
		return "out_of_memory"
	case EndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// Error is the error type this package returns for the failures it
// detects itself. Op names the failing operation (e.g. "file_open"), Path is the
// VaFs path involved, if any.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("vafs: %s %q: %s: %v", e.Op, e.Path, e.Kind, e.Err)
		}
		return fmt.Sprintf("vafs: %s %q: %s", e.Op, e.Path, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("vafs: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("vafs: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, &vimage.Error{Kind: vimage.NoSuchEntry}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func errf(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, or 0 if err is not (or does not wrap)
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ve, ok := err.(*Error); ok {
			e = ve
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0
	}
	return e.Kind
}
