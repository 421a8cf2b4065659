package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the scheduler and fabric admission paths.
// These are retriable from the controller's point of view.
var (
	// ErrBusy is returned by Submit* when the admission semaphore is full.
	ErrBusy = errors.New("scheduler busy: admission limit reached")
	// ErrCancelled is returned for tasks terminated by deadline or shutdown.
	ErrCancelled = errors.New("task cancelled")
	// ErrCapacityExceeded is wrapped by CapacityError.
	ErrCapacityExceeded = errors.New("memory fabric capacity exceeded")
)

// IoError reports an open/read/map/write failure for a specific path.
type IoError struct {
	Path  string
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error on %s: %v", e.Path, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

// MalformedHeaderError reports an invalid outer, inner or group header.
type MalformedHeaderError struct {
	File string
	At   int64 // byte offset of the offending header
	Msg  string
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed header in %s at offset %d: %s", e.File, e.At, e.Msg)
}

// TruncatedRegionError reports a declared length overrunning the
// remaining bytes of its enclosing region.
type TruncatedRegionError struct {
	File string
	At   int64
}

func (e *TruncatedRegionError) Error() string {
	return fmt.Sprintf("truncated region in %s at offset %d", e.File, e.At)
}

// DecompressError reports a failed decompression of a file's payload.
type DecompressError struct {
	File  string
	Cause error
}

func (e *DecompressError) Error() string {
	return fmt.Sprintf("decompress failed for %s: %v", e.File, e.Cause)
}

func (e *DecompressError) Unwrap() error { return e.Cause }

// DictionaryParseError reports a parse failure in a dictionary file.
// Line is 1-based.
type DictionaryParseError struct {
	File  string
	Line  int
	Cause error
}

func (e *DictionaryParseError) Error() string {
	return fmt.Sprintf("dictionary parse error %s:%d: %v", e.File, e.Line, e.Cause)
}

func (e *DictionaryParseError) Unwrap() error { return e.Cause }

// CapacityError reports a checkout that would cross the fabric's hard
// ceiling. It wraps ErrCapacityExceeded so callers can errors.Is it.
type CapacityError struct {
	Requested int64
	Ceiling   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: requested %d bytes against ceiling %d", e.Requested, e.Ceiling)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// SinkError reports a batch the archive sink rejected.
type SinkError struct {
	Partition string
	Cause     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failure for partition %q: %v", e.Partition, e.Cause)
}

func (e *SinkError) Unwrap() error { return e.Cause }

// IsRetriable reports whether the controller should resubmit the work
// that produced err.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrCapacityExceeded) {
		return true
	}
	var se *SinkError
	return errors.As(err, &se)
}

// IsFileFatal reports whether err aborts the current file (as opposed
// to a per-frame or per-signal error, which is counted and swallowed).
func IsFileFatal(err error) bool {
	var mh *MalformedHeaderError
	var tr *TruncatedRegionError
	var de *DecompressError
	return errors.As(err, &mh) || errors.As(err, &tr) || errors.As(err, &de)
}
