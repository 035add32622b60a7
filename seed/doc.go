// Package seed implements the RVQS cognitive seed: a self-describing
// bootstrap payload small enough for a single QR code that carries
// everything needed to reconstruct a full RVF store from the network — a
// Brotli-compressed microkernel, source hosts, a progressive layer
// download manifest, and a signature over the whole payload. Ed25519
// signatures fit one code; ML-DSA-65 payloads span a structured-append
// sequence framed with Split and Reassemble.
//
// The lifecycle is Build (pack a store's layer map), Parse and Verify
// (on the scanning side), then Expand: download the required boot layers
// from the listed hosts, verify each against its content hash, mount a
// store that can answer immediately, and keep filling in the optional
// layers in the background.
package seed
