package rvf

import (
	"github.com/ruvector/rvf/internal/index"
	"github.com/ruvector/rvf/internal/security"
)

// SecurityPolicy controls how much of the integrity chain Open enforces.
// The zero value is not the default: Open uses Strict unless WithPolicy
// says otherwise.
type SecurityPolicy security.Policy

const (
	// Permissive skips signature and content-hash checks entirely.
	// Development only.
	Permissive = SecurityPolicy(security.Permissive)

	// WarnOnly opens unsigned files, but a content-hash mismatch on first
	// access still fails and demotes the store to read-only.
	WarnOnly = SecurityPolicy(security.WarnOnly)

	// Strict requires a valid signature from a trusted signer and verifies
	// hotset content hashes at open. Default.
	Strict = SecurityPolicy(security.Strict)

	// Paranoid additionally content-hashes every Level 1 referenced
	// segment on first touch.
	Paranoid = SecurityPolicy(security.Paranoid)
)

func (p SecurityPolicy) String() string { return security.Policy(p).String() }

type options struct {
	policy           SecurityPolicy
	trust            *TrustStore
	logger           *Logger
	metricsCollector MetricsCollector
	audit            AuditSink
	cvThreshold      float64
	signAlgo         SignatureAlgo
	signKey          []byte
	readOnly         bool
}

// Option configures store open/create behavior.
type Option func(*options)

func defaultOptions() options {
	return options{
		policy:           Strict,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		audit:            NoopAuditSink{},
		cvThreshold:      index.DegenerateCVThreshold,
	}
}

// WithPolicy sets the security policy for the mount. The default is
// Strict: unsigned or unverifiable files do not open.
func WithPolicy(p SecurityPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithTrustStore provides the set of trusted signer keys used to verify
// manifest signatures. Required for Strict and Paranoid mounts of signed
// files.
func WithTrustStore(ts *TrustStore) Option {
	return func(o *options) {
		o.trust = ts
	}
}

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures operational metrics collection.
// If nil is passed, metrics are disabled.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithAuditSink configures the destination for security audit events:
// signature outcomes, hash mismatches, policy violations, recompute
// signals. If nil is passed, auditing is disabled.
func WithAuditSink(s AuditSink) Option {
	return func(o *options) {
		if s == nil {
			s = NoopAuditSink{}
		}
		o.audit = s
	}
}

// WithDegenerateCVThreshold overrides the coefficient-of-variation
// threshold below which a centroid probe is treated as degenerate.
// Values outside (0, 1) are ignored.
func WithDegenerateCVThreshold(threshold float64) Option {
	return func(o *options) {
		if threshold > 0 && threshold < 1 {
			o.cvThreshold = threshold
		}
	}
}

// WithSigningKey provides the private key used to re-sign the manifest on
// every commit. Required for any mutation of a signed file.
func WithSigningKey(algo SignatureAlgo, privateKey []byte) Option {
	return func(o *options) {
		o.signAlgo = algo
		o.signKey = privateKey
	}
}

// WithReadOnly refuses all mutations regardless of file permissions.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}
