// Package revocation keeps the list of revoked access tokens, keyed by token
// ID (jti). An entry lives exactly as long as the token it revokes would have
// stayed valid, so the list never grows past the set of live tokens.
//
// [RedisStore] is the shared implementation used by every auth-service
// replica. [MemoryStore] serves single-process deployments and tests.
package revocation
