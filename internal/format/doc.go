// Package format defines the on-disk layout of RuVector Files: the fixed
// 4096-byte Level 0 tail page, per-segment headers, Level 1 directory
// records, and the TLV framing used by QR seed download manifests.
//
// All integers are little-endian. Serialization is deterministic: reserved
// regions are zero-filled so that a Level 0 page byte-round-trips for
// signature purposes.
package format
