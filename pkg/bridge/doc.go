// Package bridge executes conversation turns against engine runtimes on
// behalf of sessions. It owns turn timeouts, in-flight turn cancellation,
// and the rule that only successful turns reach the transcript.
package bridge
