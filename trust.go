package rvf

import (
	"encoding/hex"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// SignatureAlgo identifies a manifest signature algorithm.
type SignatureAlgo uint16

const (
	// Ed25519 is the default signature algorithm.
	Ed25519 = SignatureAlgo(format.SigAlgoEd25519)

	// MLDSA65 selects the post-quantum ML-DSA-65 scheme. Signatures are
	// 3309 bytes and still fit the tail page.
	MLDSA65 = SignatureAlgo(format.SigAlgoMLDSA65)
)

func (a SignatureAlgo) String() string { return format.SigAlgo(a).String() }

// Fingerprint is the 16-byte identity of a signer public key.
type Fingerprint [16]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// SignerFingerprint computes the fingerprint of a raw public key.
func SignerFingerprint(publicKey []byte) Fingerprint {
	return Fingerprint(security.FingerprintOf(publicKey))
}

// GenerateKey creates a fresh signing key pair for the given algorithm.
// Keys are raw bytes in the algorithm's native encoding.
func GenerateKey(algo SignatureAlgo) (publicKey, privateKey []byte, err error) {
	return security.GenerateKey(format.SigAlgo(algo))
}

// TrustStore holds the signer public keys a reader accepts, plus optional
// per-file signer pins. Safe for concurrent use.
type TrustStore struct {
	inner *security.TrustStore
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{inner: security.NewTrustStore()}
}

// LoadTrustStore reads a YAML trust file of signer keys and pins.
func LoadTrustStore(path string) (*TrustStore, error) {
	inner, err := security.LoadTrustStoreFile(path)
	if err != nil {
		return nil, err
	}
	return &TrustStore{inner: inner}, nil
}

// AddSigner registers a trusted public key and returns its fingerprint.
func (ts *TrustStore) AddSigner(algo SignatureAlgo, publicKey []byte) Fingerprint {
	return Fingerprint(ts.inner.Add(format.SigAlgo(algo), publicKey))
}

// ExpectSigner pins a file ID to a specific signer. A signed manifest for
// that file verifying under any other key is rejected as an unknown
// signer.
func (ts *TrustStore) ExpectSigner(fileID uint64, fp Fingerprint) {
	ts.inner.ExpectSigner(fileID, security.Fingerprint(fp))
}

// Len returns the number of registered signers.
func (ts *TrustStore) Len() int {
	if ts == nil {
		return 0
	}
	return ts.inner.Len()
}
