// Package jwt issues and verifies the suite's access tokens. Every token
// carries its subject, roles, permission names and a unique token ID (jti)
// so it can be placed on the revocation list.
package jwt
