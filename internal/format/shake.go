package format

import "golang.org/x/crypto/sha3"

// ContentHash is the truncated SHAKE-256 digest recorded in manifests for
// every segment. 128 bits is enough to make offset confusion attacks
// (pointing one manifest field at another segment) detectable.
type ContentHash [16]byte

// IsZero reports whether the hash is the all-zero sentinel used for
// absent hotset pointers.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// Shake128 computes the 128-bit SHAKE-256 content hash of payload.
func Shake128(payload []byte) ContentHash {
	var h ContentHash
	shake := sha3.NewShake256()
	shake.Write(payload)
	shake.Read(h[:])
	return h
}

// Shake64 computes the 64-bit SHAKE-256 digest used for the full-file
// content hash embedded in QR seeds.
func Shake64(payload []byte) [8]byte {
	var h [8]byte
	shake := sha3.NewShake256()
	shake.Write(payload)
	shake.Read(h[:])
	return h
}

// Shake256 computes the full-width 256-bit SHAKE-256 digest carried in
// seed download manifests.
func Shake256(payload []byte) [32]byte {
	var h [32]byte
	shake := sha3.NewShake256()
	shake.Write(payload)
	shake.Read(h[:])
	return h
}
