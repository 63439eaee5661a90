// Package bundle prepares runtime bundles from configuration documents and
// caches them by content fingerprint.
//
// Invariants:
// - Assembly runs exactly once per fingerprint per cache generation,
//   regardless of how many callers request it concurrently (single-flight).
// - A cache entry is never observably partially-assembled: callers either
//   wait on the in-flight assembly or receive the finished result.
// - Failed assemblies are never cached; the next caller retries.
// - Eviction removes idle entries from the cache but never invalidates
//   bundles already held by session handles.
package bundle
