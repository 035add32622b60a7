// Package security enforces the mount policy of RuVector Files: signature
// verification over the Level 0 tail page, trust store lookup, and the
// error taxonomy that keeps corruption (CRC) distinguishable from
// tampering (signature, content hash).
//
// Signature primitives are dispatched by algorithm identifier: Ed25519
// through the standard library, ML-DSA-65 through cloudflare/circl. Keys
// cross the package boundary as raw encoded bytes so callers never depend
// on either backend.
package security
