// Package dedup clusters booth records that describe the same physical
// location and merges each cluster into a single canonical entity.
//
// Two records match only when they are within the clustering radius AND their
// names pass the configured Similarity. The highest-scoring member of a
// cluster becomes the keeper; merging is additive and never blanks a field
// the keeper already has.
package dedup
