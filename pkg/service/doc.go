// Package service is the operation surface of the daemon. It composes the
// access gate, configuration store, bundle cache, execution bridge, and
// session registry into the operations transports expose.
package service
