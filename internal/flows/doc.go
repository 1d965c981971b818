// Package flows contains the orchestrators behind every Engine operation:
// issue, login, refresh, validate, logout and password change.
//
// Each Run function takes a typed dependency struct and returns a result
// carrying a failure kind. The root package maps kinds to its sentinel
// errors, metrics, audit events and notifications, so flows stay free of
// those concerns and are tested with plain fakes.
//
// Flows do not own the session store, revocation list, jwt manager or rate
// limiter. They must not import the root package and hold no state between
// calls.
package flows
