// Package store provides SQLite-backed persistence for hearth-gateway.
//
// One database holds three concerns:
//
//   - sessions: the durable side of the session manager (session.Store)
//   - trusted_devices: trust records minted by completed pairings
//   - gateway_events: an append-only ledger of broadcast events for audit
//
// The store is an internal collaborator: component packages define the
// interfaces they consume (session.Store, auth.TrustStore) and this
// package satisfies them, so tests can substitute in-memory fakes.
package store
