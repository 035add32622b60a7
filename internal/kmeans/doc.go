// Package kmeans implements k-means clustering.
//
// The builder uses it twice: once to learn the coarse centroid set that
// routes queries to vector blocks, and once per subspace to learn the
// product-quantization codebook.
package kmeans
