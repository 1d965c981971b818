// Package svcclient holds the HTTP clients suite services use to call one
// another.
//
// Every Client sits behind a circuit breaker. The typed clients (AuthClient,
// DocumentClient, TrainingClient) wrap each call in WithFallback: when the
// downstream is failing or the breaker is open they return a canned response
// marked Degraded instead of an error. Fallbacks that gate access, such as
// token validation and training qualification, deny.
package svcclient
