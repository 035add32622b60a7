// Package index implements the progressive index loader and the graph
// search primitives of the query engine: decoded segment payloads
// (entrypoint, HNSW layers, centroids, quantization codebooks, vector
// blocks), the immutable mount snapshot readers traverse, centroid
// routing with degeneracy detection, and layered HNSW traversal.
//
// Mounting is additive: each mount publishes a snapshot with strictly
// more layers than the last, so recall on a fixed query never decreases
// as a file loads.
package index
