package seed

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Fetcher retrieves byte ranges of the remote RVF file from one host.
type Fetcher interface {
	FetchRange(ctx context.Context, baseURL string, off, size uint64) ([]byte, error)
}

// FetchConfig parameterizes the HTTP fetcher.
type FetchConfig struct {
	// CertPin is the SHA-256 SPKI digest the leaf certificate must
	// match. All zero disables pinning.
	CertPin [32]byte

	// SessionToken is sent as a bearer token when non-empty.
	SessionToken []byte

	// Limiter throttles download bandwidth in bytes per second. Nil
	// means unthrottled.
	Limiter *rate.Limiter

	// Timeout bounds each range request. Zero means 30 seconds.
	Timeout time.Duration
}

// HTTPFetcher downloads ranges over HTTPS with optional certificate
// pinning, bearer auth and bandwidth limiting.
type HTTPFetcher struct {
	client *http.Client
	cfg    FetchConfig
}

// ErrCertPinMismatch is returned when no certificate in the TLS chain
// matches the pinned SPKI digest.
var ErrCertPinMismatch = errors.New("seed: certificate pin mismatch")

// NewHTTPFetcher builds a fetcher from the config. Pass the seed's
// CertPin and SessionToken to enforce what the seed signer intended.
func NewHTTPFetcher(cfg FetchConfig) *HTTPFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertPin != ([32]byte{}) {
		pin := cfg.CertPin
		transport.TLSClientConfig = &tls.Config{
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						continue
					}
					if sha256.Sum256(cert.RawSubjectPublicKeyInfo) == pin {
						return nil
					}
				}
				return ErrCertPinMismatch
			},
		}
	}
	return &HTTPFetcher{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// FetchRange issues a single HTTP range request against baseURL.
func (f *HTTPFetcher) FetchRange(ctx context.Context, baseURL string, off, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+size-1))
	if len(f.cfg.SessionToken) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(f.cfg.SessionToken))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seed: host returned %s for range [%d,%d)", resp.Status, off, off+size)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(size)))
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) != size {
		return nil, fmt.Errorf("seed: short range read: want %d bytes, got %d", size, len(body))
	}
	if f.cfg.Limiter != nil {
		if err := waitN(ctx, f.cfg.Limiter, len(body)); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// waitN charges n bytes against the limiter, in bursts the limiter can
// accommodate.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if b := l.Burst(); chunk > b {
			chunk = b
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
