package rvf

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/manifest"
	"github.com/ruvector/rvf/internal/security"
)

// CreateConfig sets the immutable identity of a new store.
type CreateConfig struct {
	// Dimension is the vector dimensionality. Required.
	Dimension int

	// ProfileID tags the embedding profile the vectors came from.
	ProfileID uint8

	// BaseNProbe is the default centroid probe width. Zero means 8.
	BaseNProbe uint32

	// EfSearchDefault is the default HNSW beam width. Zero means 64.
	EfSearchDefault uint32

	// MaxEpochDrift bounds centroid staleness before queries signal a
	// recompute. Zero means 64.
	MaxEpochDrift uint32
}

func (c *CreateConfig) fill() error {
	if c.Dimension <= 0 || c.Dimension > 1<<15 {
		return fmt.Errorf("rvf: invalid dimension %d", c.Dimension)
	}
	if c.BaseNProbe == 0 {
		c.BaseNProbe = 8
	}
	if c.EfSearchDefault == 0 {
		c.EfSearchDefault = 64
	}
	if c.MaxEpochDrift == 0 {
		c.MaxEpochDrift = manifest.DefaultMaxEpochDrift
	}
	return nil
}

// Create writes a new empty store at path and mounts it for appending.
// Under Strict or Paranoid a signing key is required: every manifest the
// store ever writes, including the first, is signed.
func Create(path string, cfg CreateConfig, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	pol := security.Policy(o.policy)
	if pol.RequiresSignature() && len(o.signKey) == 0 {
		return nil, ErrNoSigningKey
	}

	id := uuid.New()
	fileID := binary.LittleEndian.Uint64(id[:8])
	l0 := &format.Level0{
		Version:         format.Version2,
		FileID:          fileID,
		Epoch:           1,
		Dimension:       uint16(cfg.Dimension),
		ProfileID:       cfg.ProfileID,
		CreatedNS:       uint64(timeNow().UnixNano()),
		BaseNProbe:      cfg.BaseNProbe,
		EfSearchDefault: cfg.EfSearchDefault,
		CentroidEpoch:   1,
		MaxEpochDrift:   cfg.MaxEpochDrift,
	}

	page, err := signAndSerialize(l0, o)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(preamble[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if _, err := f.Write(page); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	// Self-trust for the key that just signed the file, so the mount
	// below verifies under the same policy readers will use.
	if len(o.signKey) > 0 && pol.RequiresSignature() {
		pub, err := publicKeyFor(o.signAlgo, o.signKey)
		if err != nil {
			f.Close()
			return nil, err
		}
		if o.trust == nil {
			o.trust = NewTrustStore()
		}
		o.trust.AddSigner(o.signAlgo, pub)
	}

	s, err := openFile(path, o)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.mu.Lock()
	s.f = f
	s.mu.Unlock()
	return s, nil
}

// signAndSerialize stamps the signer hint, signs the prefix when a key is
// configured, and produces the final tail page.
func signAndSerialize(l0 *format.Level0, o options) ([]byte, error) {
	if len(o.signKey) == 0 {
		l0.Signature = nil
		return format.SerializeLevel0(l0)
	}

	pub, err := publicKeyFor(o.signAlgo, o.signKey)
	if err != nil {
		return nil, err
	}
	l0.SigAlgo = format.SigAlgo(o.signAlgo)
	l0.SignerHint = security.FingerprintOf(pub).Hint()

	// The signed prefix covers the algorithm and length fields, so the
	// draft carries a zero placeholder of the real signature size; only
	// the signature bytes themselves sit outside the prefix.
	sigSize, err := security.SignatureSize(format.SigAlgo(o.signAlgo))
	if err != nil {
		return nil, err
	}
	l0.Signature = make([]byte, sigSize)
	draft, err := format.SerializeLevel0(l0)
	if err != nil {
		return nil, err
	}
	sig, err := security.Sign(format.SigAlgo(o.signAlgo), o.signKey, l0.SignedPrefix(draft))
	if err != nil {
		return nil, err
	}
	l0.Signature = sig
	return format.SerializeLevel0(l0)
}

// publicKeyFor derives the public key from a raw private key.
func publicKeyFor(algo SignatureAlgo, privateKey []byte) ([]byte, error) {
	return security.PublicKeyOf(format.SigAlgo(algo), privateKey)
}

