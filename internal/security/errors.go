package security

import (
	"errors"
	"fmt"

	"github.com/ruvector/rvf/internal/format"
)

// Stable security error codes.
const (
	CodeUnsigned         = "E_SEC_UNSIGNED"
	CodeInvalidSignature = "E_SEC_INVALID_SIG"
	CodeUnknownSigner    = "E_SEC_UNKNOWN_SIGNER"
	CodeHashMismatch     = "E_SEC_HASH_MISMATCH"
)

// ErrUnsignedManifest is returned when a manifest carries no signature and
// the policy requires one.
var ErrUnsignedManifest = errors.New(CodeUnsigned + ": manifest is not signed")

// InvalidSignatureError is returned when a trusted key matched the declared
// algorithm but the signature did not verify.
type InvalidSignatureError struct {
	Algo format.SigAlgo
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("%s: %s signature does not verify", CodeInvalidSignature, e.Algo)
}

// Code returns the stable error code.
func (e *InvalidSignatureError) Code() string { return CodeInvalidSignature }

// UnknownSignerError is returned when the manifest names a signer that is
// not in the trust store.
type UnknownSignerError struct {
	Actual   string // fingerprint (or hint) encoded in the manifest
	Expected string // expected signer configured for the file, if any
}

func (e *UnknownSignerError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("%s: signer %s not trusted (expected %s)", CodeUnknownSigner, e.Actual, e.Expected)
	}
	return fmt.Sprintf("%s: signer %s not trusted", CodeUnknownSigner, e.Actual)
}

// Code returns the stable error code.
func (e *UnknownSignerError) Code() string { return CodeUnknownSigner }

// HashMismatchError is returned when the content behind a manifest pointer
// does not hash to the recorded value.
type HashMismatchError struct {
	PointerName string
	Expected    format.ContentHash
	Actual      format.ContentHash
	Offset      uint64
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: %s at %#x: expected %x, got %x",
		CodeHashMismatch, e.PointerName, e.Offset, e.Expected[:4], e.Actual[:4])
}

// Code returns the stable error code.
func (e *HashMismatchError) Code() string { return CodeHashMismatch }
