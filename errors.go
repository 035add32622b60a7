package rvf

import (
	"errors"
	"fmt"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// Common errors returned by store operations.
var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("rvf: store is closed")

	// ErrReadOnly is returned when writing to a store that was opened
	// read-only or demoted to read-only after a WarnOnly hash mismatch.
	ErrReadOnly = errors.New("rvf: store is read-only")

	// ErrStoreFailed is returned when the mount previously hit a fatal
	// security or format error and refuses further work.
	ErrStoreFailed = errors.New("rvf: store is in failed state")

	// ErrDimensionMismatch is returned when a query vector's dimension
	// does not match the store's.
	ErrDimensionMismatch = errors.New("rvf: vector dimension mismatch")

	// ErrInvalidK is returned when a query requests a non-positive k.
	ErrInvalidK = errors.New("rvf: k must be positive")

	// ErrEncrypted is returned for files with the encrypted flag set; no
	// key schedule is defined for it yet.
	ErrEncrypted = errors.New("rvf: encrypted files are not supported")

	// ErrNoSigningKey is returned when a write operation must re-sign the
	// manifest but no signing key was configured.
	ErrNoSigningKey = errors.New("rvf: no signing key configured")

	// ErrUnsigned is the policy error for missing manifest signatures.
	ErrUnsigned = security.ErrUnsignedManifest

	// ErrInvalidMagic and ErrVersionUnsupported surface tail-page parse
	// failures.
	ErrInvalidMagic       = format.ErrInvalidMagic
	ErrVersionUnsupported = format.ErrVersionUnsupported
)

// coder is implemented by errors that carry a stable machine-readable code.
type coder interface {
	Code() string
}

// ErrorCode extracts the stable error code from err, or "" when err has
// none. Codes are part of the wire-compatible surface: corruption
// (E_FMT_*) and tamper (E_SEC_*) failures stay distinguishable through
// arbitrary wrapping.
func ErrorCode(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, format.ErrInvalidMagic):
		return format.CodeInvalidMagic
	case errors.Is(err, format.ErrVersionUnsupported):
		return format.CodeVersionUnsupported
	case errors.Is(err, security.ErrUnsignedManifest):
		return security.CodeUnsigned
	default:
		return ""
	}
}

// IsCorruption reports whether err is a format-level failure (CRC or
// structural damage) rather than a security failure.
func IsCorruption(err error) bool {
	code := ErrorCode(err)
	return code == format.CodeCRCMismatch || code == format.CodeL1Corrupt
}

// IsTamper reports whether err is a security-level failure: a signature
// or content hash that does not match intact framing.
func IsTamper(err error) bool {
	switch ErrorCode(err) {
	case security.CodeUnsigned, security.CodeInvalidSignature,
		security.CodeUnknownSigner, security.CodeHashMismatch:
		return true
	default:
		return false
	}
}

// policyViolationError wraps a security error with the policy that
// rejected the file.
type policyViolationError struct {
	policy SecurityPolicy
	err    error
}

func (e *policyViolationError) Error() string {
	return fmt.Sprintf("rvf: policy %s: %v", e.policy, e.err)
}

func (e *policyViolationError) Unwrap() error { return e.err }
