// Package registry is the single source of truth for session existence,
// status, transcripts, and participants.
//
// Invariants:
// - All session mutations go through the registry; turns for one session are
//   serialized under a per-session lock and appended in submission order.
// - message count always equals transcript length.
// - Status transitions are monotone forward; the resume edge
//   {completed, cancelled} -> active is the only exception.
// - The participant set is never empty while a session exists, and a session
//   always has at least one owner.
// - Access is decided by participant membership of the user identity alone;
//   application identity is recorded for audit only.
package registry
