// Package rate provides the Redis-backed counters that throttle credential
// guessing and refresh storms.
//
// # Window semantics
//
// Fixed-window counters: INCR plus EXPIRE on the first hit of a window.
// Keys live under the configured prefix:
//
//	<prefix>:l:<username>   failed logins per user
//	<prefix>:li:<ip>        failed logins per client IP
//	<prefix>:r:<sid>        refresh attempts per session
//	<prefix>:lo:<uid>       failures counted toward account lockout
package rate
