// Package password hashes passwords with argon2id and checks them against the
// site password policy.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes produced with weaker parameters so the
// caller can re-hash after the next successful login.
//
// [Policy] expresses the complexity rules as regular expressions and reports
// every violated rule at once, so a registration form can show them together.
package password
