// Package engine defines the boundary to the execution engine that assembles
// runtime bundles from configuration documents and runs conversation turns
// against model providers.
//
// Invariants:
// - The Engine, BundleHandle, and Runtime interfaces are narrow so the engine
//   stays swappable in tests.
// - ExecuteStreaming yields a finite event sequence per turn, terminated by a
//   done or error event; the channel is closed after the terminal event.
// - Runtime state (engine-side message history) is serialized internally.
package engine
