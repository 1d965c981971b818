// Package gmpauth is the authentication engine of the GMP compliance suite.
// It issues signed access tokens with rotating opaque refresh tokens, keeps
// refresh sessions in Redis and maintains a revocation list keyed by token
// ID so that logout takes effect before a token expires.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// gmpauth is the public surface: [Engine], [Builder], [Config] and value
// types such as [TokenPair] and [Claims]. Flow orchestration, the refresh
// token codec, rate limiting and audit dispatch live under internal/.
// Sub-packages (jwt, session, revocation, password, permission, mcp) never
// import the root.
//
// # Validation modes
//
// [ModeJWTOnly] checks the signature and registered claims without Redis.
// [ModeHybrid], the default, also consults the revocation list and rejects
// the token if the list cannot be read. [ModeStrict] additionally requires
// the backing session to exist and to name this token as its current one.
package gmpauth
