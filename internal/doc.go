// Package internal holds helpers private to gmpauth: session identifiers and
// the refresh-token wire codec.
//
// # Sub-packages
//
//   - audit: async audit dispatch (Dispatcher plus Sink implementations)
//   - config: service configuration loading for cmd/gmp-auth
//   - flows: flow runners behind every Engine operation
//   - grpcapi: internal gRPC token service
//   - httpapi: REST surface of the auth-service
//   - rate: Redis fixed-window limiters and the lockout counter
//   - store: gorm repositories for users and the notification outbox
package internal
