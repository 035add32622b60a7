package format

import "fmt"

// Stable format error codes. Prose messages may change between releases;
// codes may not.
const (
	CodeInvalidMagic       = "E_FMT_MAGIC"
	CodeVersionUnsupported = "E_FMT_VERSION"
	CodeCRCMismatch        = "E_FMT_CRC"
	CodeL1Corrupt          = "E_FMT_L1_CRC"
)

// Error is a structural failure while decoding the on-disk layout.
type Error struct {
	code   string
	detail string
}

func (e *Error) Error() string { return e.code + ": " + e.detail }

// Code returns the stable error code.
func (e *Error) Code() string { return e.code }

var (
	// ErrInvalidMagic is returned when the tail page does not start with "RVF1".
	ErrInvalidMagic = &Error{code: CodeInvalidMagic, detail: "invalid magic"}

	// ErrVersionUnsupported is returned for layout versions newer than this build understands.
	ErrVersionUnsupported = &Error{code: CodeVersionUnsupported, detail: "unsupported layout version"}
)

// CRCMismatchError distinguishes media corruption from tampering. Signature
// failures are a separate taxonomy in internal/security.
type CRCMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("%s: tail page crc32c mismatch: stored %08x, computed %08x", CodeCRCMismatch, e.Expected, e.Actual)
}

// Code returns the stable error code.
func (e *CRCMismatchError) Code() string { return CodeCRCMismatch }

// L1CorruptError is returned when the Level 1 directory fails its hash or
// structural checks on first touch.
type L1CorruptError struct {
	Offset uint64
	Detail string
}

func (e *L1CorruptError) Error() string {
	return fmt.Sprintf("%s: level 1 directory at %#x: %s", CodeL1Corrupt, e.Offset, e.Detail)
}

// Code returns the stable error code.
func (e *L1CorruptError) Code() string { return CodeL1Corrupt }
