package security

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ruvector/rvf/internal/format"
)

// trustFile is the YAML shape of an on-disk trust store:
//
//	signers:
//	  - algo: ed25519
//	    public_key: <base64>
//	expected:
//	  - file_id: 0xDEADBEEF
//	    fingerprint: <hex>
type trustFile struct {
	Signers []struct {
		Algo      string `yaml:"algo"`
		PublicKey string `yaml:"public_key"`
	} `yaml:"signers"`
	Expected []struct {
		FileID      uint64 `yaml:"file_id"`
		Fingerprint string `yaml:"fingerprint"`
	} `yaml:"expected"`
}

// LoadTrustStoreFile reads a YAML trust store from path.
func LoadTrustStoreFile(path string) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf trustFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("trust store %s: %w", path, err)
	}

	ts := NewTrustStore()
	for i, s := range tf.Signers {
		var algo format.SigAlgo
		switch s.Algo {
		case "ed25519":
			algo = format.SigAlgoEd25519
		case "ml-dsa-65", "mldsa65":
			algo = format.SigAlgoMLDSA65
		default:
			return nil, fmt.Errorf("trust store %s: signer %d: unknown algo %q", path, i, s.Algo)
		}
		pub, err := base64.StdEncoding.DecodeString(s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trust store %s: signer %d: %w", path, i, err)
		}
		ts.Add(algo, pub)
	}

	for i, e := range tf.Expected {
		raw, err := hex.DecodeString(e.Fingerprint)
		if err != nil || len(raw) != len(Fingerprint{}) {
			return nil, fmt.Errorf("trust store %s: expected %d: bad fingerprint", path, i)
		}
		ts.ExpectSigner(e.FileID, Fingerprint(raw))
	}

	return ts, nil
}
