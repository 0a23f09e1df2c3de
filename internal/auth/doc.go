// Package auth provides authentication and authorization for hearth-gateway.
//
// # Authentication Methods
//
//   - Shared secret: connections present the configured secret (or a
//     profile token) and are compared in constant time.
//
//   - Device tokens: clients that completed pairing hold an HS256 JWT
//     whose subject is their trusted device ID.
//
// # Authorization Context
//
// A successful Authenticate produces a Context carrying the connection
// ID and the permission set resolved from the owning client profile. The
// dispatcher consults it before invoking any handler that requires auth.
//
// # Pairing
//
// New devices establish trust through a short-lived pairing flow:
//
//	CodeIssued -> AwaitingConfirmation -> Trusted | Expired | Rejected
//
// A numeric code with bounded entropy is issued with a tunable expiry.
// Confirmation persists a trust record and mints a device token; expiry
// and rejection are terminal, requiring a fresh pairing attempt.
package auth
