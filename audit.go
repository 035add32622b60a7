package rvf

import (
	"sync"
	"time"
)

// AuditEventType classifies security-relevant store events.
type AuditEventType string

const (
	AuditSignatureVerified AuditEventType = "signature_verified"
	AuditSignatureRejected AuditEventType = "signature_rejected"
	AuditHashMismatch      AuditEventType = "hash_mismatch"
	AuditPolicyViolation   AuditEventType = "policy_violation"
	AuditRecomputeSignal   AuditEventType = "recompute_signal"
	AuditCompaction        AuditEventType = "compaction"
)

// AuditEvent is one security-relevant occurrence. Code carries the stable
// error code when the event records a failure.
type AuditEvent struct {
	Time    time.Time
	Type    AuditEventType
	FileID  uint64
	Epoch   uint32
	Code    string
	Pointer string // Level 0 field name, for hash mismatches
	Offset  uint64
	Detail  string
}

// AuditSink receives audit events. Implementations must be safe for
// concurrent use; Record must not block the calling query path.
type AuditSink interface {
	Record(ev AuditEvent)
}

// NoopAuditSink discards all events.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(AuditEvent) {}

// MemoryAuditSink retains events in memory. Useful for tests and for
// processes that ship audit batches themselves.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Record implements AuditSink.
func (s *MemoryAuditSink) Record(ev AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}
