package security

import (
	"encoding/hex"
	"sync"

	"github.com/ruvector/rvf/internal/format"
)

// Fingerprint identifies a signer: the 128-bit SHAKE-256 digest of the raw
// encoded public key.
type Fingerprint [16]byte

// FingerprintOf computes the fingerprint of a raw encoded public key.
func FingerprintOf(publicKey []byte) Fingerprint {
	return Fingerprint(format.Shake128(publicKey))
}

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Hint returns the leading 8 bytes, as embedded in Level 0 manifests.
func (f Fingerprint) Hint() [8]byte {
	var h [8]byte
	copy(h[:], f[:8])
	return h
}

// Signer is one acceptable signing identity in the trust store.
type Signer struct {
	Fingerprint Fingerprint
	Algo        format.SigAlgo
	PublicKey   []byte
}

// TrustStore is the ordered set of acceptable signers, plus optional
// per-file expected-signer pins. It is immutable after open from the
// store's point of view; mutation is only expected during process setup.
type TrustStore struct {
	mu       sync.RWMutex
	signers  []Signer
	expected map[uint64]Fingerprint // file_id -> pinned signer
}

// NewTrustStore returns an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{expected: make(map[uint64]Fingerprint)}
}

// Add registers an acceptable signer and returns its fingerprint.
func (ts *TrustStore) Add(algo format.SigAlgo, publicKey []byte) Fingerprint {
	fp := FingerprintOf(publicKey)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.signers = append(ts.signers, Signer{
		Fingerprint: fp,
		Algo:        algo,
		PublicKey:   append([]byte(nil), publicKey...),
	})
	return fp
}

// ExpectSigner pins the signer a given file must be signed by.
func (ts *TrustStore) ExpectSigner(fileID uint64, fp Fingerprint) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.expected[fileID] = fp
}

// Lookup returns the signer with the given fingerprint.
func (ts *TrustStore) Lookup(fp Fingerprint) (Signer, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, s := range ts.signers {
		if s.Fingerprint == fp {
			return s, true
		}
	}
	return Signer{}, false
}

// Len returns the number of configured signers.
func (ts *TrustStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.signers)
}

// VerifyManifest checks the Level 0 signature against the trust store.
// page is the raw tail page the manifest was parsed from.
//
// Discrimination rules: a manifest without a signature is ErrUnsignedManifest;
// a signer the store does not know is UnknownSignerError; a known signer
// whose signature does not verify is InvalidSignatureError.
func (ts *TrustStore) VerifyManifest(m *format.Level0, page []byte) error {
	if !m.Signed() {
		return ErrUnsignedManifest
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	expected, pinned := ts.expected[m.FileID]
	payload := m.SignedPrefix(page)

	var candidates []Signer
	for _, s := range ts.signers {
		if s.Algo != m.SigAlgo {
			continue
		}
		if m.SignerHint != ([8]byte{}) && s.Fingerprint.Hint() != m.SignerHint {
			continue
		}
		if pinned && s.Fingerprint != expected {
			continue
		}
		candidates = append(candidates, s)
	}

	if len(candidates) == 0 {
		e := &UnknownSignerError{Actual: hex.EncodeToString(m.SignerHint[:])}
		if pinned {
			e.Expected = expected.String()
		}
		return e
	}

	var lastErr error
	for _, s := range candidates {
		err := ts.verifyWith(s, m, payload)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (ts *TrustStore) verifyWith(s Signer, m *format.Level0, payload []byte) error {
	return Verify(m.SigAlgo, s.PublicKey, payload, m.Signature)
}
