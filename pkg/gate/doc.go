// Package gate authenticates callers and resolves them to identities. Every
// authorization decision downstream is made on the user identity alone; the
// application identity rides along for audit logging only.
package gate
