// Package errs centralizes the error kinds from the propagation policy:
// NotFound, LockConflict, InvalidOverridePatch, and the frame decode family.
// There is no dedicated storage kind: store implementations return their
// driver errors wrapped with fmt.Errorf.
// Mirrors the teacher's store.ErrNotFound sentinel-error convention.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store lookups for a missing row.
var ErrNotFound = errors.New("not found")

// ErrLockConflict means a file lock or Store lease was already held.
var ErrLockConflict = errors.New("lock conflict")

// InvalidOverridePatch is returned when a RouteOverridePatch is missing a
// required field (patch_id or primary_segment).
type InvalidOverridePatch struct {
	ArtifactID string
	Reason     string
}

func (e *InvalidOverridePatch) Error() string {
	return fmt.Sprintf("invalid override patch for artifact %s: %s", e.ArtifactID, e.Reason)
}

// FrameError is the decode-side error family for the wire envelope codec.
type FrameError struct {
	Kind FrameErrorKind
	Size int
	Max  int
	Msg  string
}

type FrameErrorKind int

const (
	FrameErrOversizedFrame FrameErrorKind = iota
	FrameErrOversizedBuffer
	FrameErrEncode
	FrameErrDecode
)

func (e *FrameError) Error() string {
	switch e.Kind {
	case FrameErrOversizedFrame:
		return fmt.Sprintf("frame exceeds max size: %d > %d", e.Size, e.Max)
	case FrameErrOversizedBuffer:
		return fmt.Sprintf("buffer exceeds max size without delimiter: %d > %d", e.Size, e.Max)
	case FrameErrEncode:
		return fmt.Sprintf("frame encode failed: %s", e.Msg)
	case FrameErrDecode:
		return fmt.Sprintf("frame decode failed: %s", e.Msg)
	default:
		return "frame error"
	}
}
