// Package middleware adapts gmpauth.Engine validation to net/http.
//
// [Guard] reads the bearer token, validates it with the requested mode and
// stores the resulting claims on the request context. [RequirePermission]
// and [RequireRole] run after a guard and reject requests whose claims do
// not carry the permission or role.
//
// The package makes no authentication decisions of its own. Token parsing,
// revocation checks and session lookups all happen in the Engine.
package middleware
