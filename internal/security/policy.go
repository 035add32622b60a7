package security

import "fmt"

// Policy controls how much of the integrity chain a reader enforces at
// mount and on segment access.
type Policy uint8

const (
	// Permissive skips signature and content-hash checks entirely.
	Permissive Policy = 0x00

	// WarnOnly opens unsigned files, but a content-hash mismatch on first
	// access still fails and transitions the store to read-only.
	WarnOnly Policy = 0x01

	// Strict requires a valid signature from a trusted signer and verifies
	// hotset content hashes at open. Default.
	Strict Policy = 0x02

	// Paranoid additionally verifies every Level 1 referenced segment's
	// content hash on first touch, unconditionally.
	Paranoid Policy = 0x03
)

func (p Policy) String() string {
	switch p {
	case Permissive:
		return "Permissive"
	case WarnOnly:
		return "WarnOnly"
	case Strict:
		return "Strict"
	case Paranoid:
		return "Paranoid"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

// RequiresSignature reports whether an unsigned manifest is fatal at open.
func (p Policy) RequiresSignature() bool { return p >= Strict }

// VerifiesHashes reports whether content hashes are checked at all.
func (p Policy) VerifiesHashes() bool { return p >= WarnOnly }

// AllowsLegacyLayout reports whether pre-hardening (version 1) files may be
// opened.
func (p Policy) AllowsLegacyLayout() bool { return p <= WarnOnly }
