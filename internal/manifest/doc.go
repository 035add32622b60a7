// Package manifest materializes the RVF integrity chain: the verified
// Level 0 tail page at the root, the lazily-loaded Level 1 segment
// directory beneath it, and the write-once content-hash cache that makes
// every segment access hash-checked at most once per mount.
//
// The chain is a small state machine. A store enters L0Verified after the
// tail page passes its checks, moves to L1Verified when the directory is
// first touched, and can fall to ReadOnly (WarnOnly hash mismatch:
// queries allowed, no writes) or Failed (any security error under Strict
// or Paranoid).
package manifest
