package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/ruvector/rvf/internal/format"
)

// SignatureSize returns the fixed signature length for algo.
func SignatureSize(algo format.SigAlgo) (int, error) {
	switch algo {
	case format.SigAlgoEd25519:
		return ed25519.SignatureSize, nil
	case format.SigAlgoMLDSA65:
		return mldsa65.SignatureSize, nil
	default:
		return 0, fmt.Errorf("unsupported signature algorithm: %d", algo)
	}
}

// Verify checks signature over payload with the raw encoded public key.
// A verification failure is reported as InvalidSignatureError; malformed
// keys and unknown algorithms are plain errors.
func Verify(algo format.SigAlgo, publicKey, payload, signature []byte) error {
	switch algo {
	case format.SigAlgoEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519: bad public key length %d", len(publicKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature) {
			return &InvalidSignatureError{Algo: algo}
		}
		return nil

	case format.SigAlgoMLDSA65:
		var pk mldsa65.PublicKey
		if err := pk.UnmarshalBinary(publicKey); err != nil {
			return fmt.Errorf("ml-dsa-65: bad public key: %w", err)
		}
		if !mldsa65.Verify(&pk, payload, nil, signature) {
			return &InvalidSignatureError{Algo: algo}
		}
		return nil

	default:
		return fmt.Errorf("unsupported signature algorithm: %d", algo)
	}
}

// Sign produces a signature over payload with the raw encoded private key.
func Sign(algo format.SigAlgo, privateKey, payload []byte) ([]byte, error) {
	switch algo {
	case format.SigAlgoEd25519:
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("ed25519: bad private key length %d", len(privateKey))
		}
		return ed25519.Sign(ed25519.PrivateKey(privateKey), payload), nil

	case format.SigAlgoMLDSA65:
		var sk mldsa65.PrivateKey
		if err := sk.UnmarshalBinary(privateKey); err != nil {
			return nil, fmt.Errorf("ml-dsa-65: bad private key: %w", err)
		}
		sig := make([]byte, mldsa65.SignatureSize)
		if err := mldsa65.SignTo(&sk, payload, nil, false, sig); err != nil {
			return nil, fmt.Errorf("ml-dsa-65: sign: %w", err)
		}
		return sig, nil

	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %d", algo)
	}
}

// PublicKeyOf derives the raw encoded public key from a private key.
func PublicKeyOf(algo format.SigAlgo, privateKey []byte) ([]byte, error) {
	switch algo {
	case format.SigAlgoEd25519:
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("ed25519: bad private key length %d", len(privateKey))
		}
		pub := ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey)
		return []byte(pub), nil

	case format.SigAlgoMLDSA65:
		var sk mldsa65.PrivateKey
		if err := sk.UnmarshalBinary(privateKey); err != nil {
			return nil, fmt.Errorf("ml-dsa-65: bad private key: %w", err)
		}
		pk := sk.Public().(*mldsa65.PublicKey)
		return pk.MarshalBinary()

	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %d", algo)
	}
}

// GenerateKey produces a fresh raw-encoded key pair for algo.
func GenerateKey(algo format.SigAlgo) (publicKey, privateKey []byte, err error) {
	switch algo {
	case format.SigAlgoEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return pub, priv, nil

	case format.SigAlgoMLDSA65:
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		privBytes, err := priv.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		return pubBytes, privBytes, nil

	default:
		return nil, nil, fmt.Errorf("unsupported signature algorithm: %d", algo)
	}
}
