// Package session provides Redis-backed refresh sessions.
//
// # Storage layout
//
// Each session is a Redis hash at <prefix>:s:<sid> carrying the subject, its
// roles and permission mask, the SHA-256 of the current refresh secret and
// the token ID of the access token most recently issued for it. A set at
// <prefix>:u:<uid> indexes the sessions of one user.
//
// # Rotation
//
// [Store.Rotate] swaps the refresh hash in a single Lua script. A presented
// hash that does not match is treated as refresh-token reuse: the session is
// destroyed and the previous state is handed back so the caller can revoke the
// access token still in circulation.
//
// # What this package must NOT do
//
//   - Import gmpauth, jwt, or permission (no upward imports).
//   - Make authorization decisions.
//   - Store plaintext secrets in [Session] fields.
package session
