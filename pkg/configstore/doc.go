// Package configstore persists named agent configuration documents and their
// content fingerprints.
//
// Invariants:
// - A document mutates only through Put, which revalidates it and recomputes
//   the fingerprint.
// - The fingerprint is a stable hash of document content: two configurations
//   with identical documents share a fingerprint.
// - A fingerprint change is the sole trigger for downstream bundle cache
//   invalidation; the store itself never touches the cache.
package configstore
