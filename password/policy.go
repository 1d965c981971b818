package password

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrPolicyViolation matches any *PolicyError via errors.Is.
var ErrPolicyViolation = errors.New("password policy violation")

var (
	upperRe  = regexp.MustCompile(`[A-Z]`)
	lowerRe  = regexp.MustCompile(`[a-z]`)
	digitRe  = regexp.MustCompile(`[0-9]`)
	symbolRe = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// Violation codes.
const (
	RuleMinLength  = "min_length"
	RuleMaxLength  = "max_length"
	RuleUpper      = "uppercase"
	RuleLower      = "lowercase"
	RuleDigit      = "digit"
	RuleSymbol     = "symbol"
	RuleBanned     = "banned_substring"
	RuleIdentifier = "contains_identifier"
)

// PatternRule is an extra named rule. The password must match Pattern.
type PatternRule struct {
	Name    string
	Pattern *regexp.Regexp
	Message string
}

// Policy describes the complexity requirements for a new password.
type Policy struct {
	MinLength        int
	MaxLength        int
	RequireUpper     bool
	RequireLower     bool
	RequireDigit     bool
	RequireSymbol    bool
	BannedSubstrings []string
	ForbidIdentifier bool
	Patterns         []PatternRule
}

// DefaultPolicy returns the policy applied to user passwords.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        12,
		MaxLength:        128,
		RequireUpper:     true,
		RequireLower:     true,
		RequireDigit:     true,
		RequireSymbol:    true,
		BannedSubstrings: []string{"password", "qwerty", "123456", "letmein"},
		ForbidIdentifier: true,
	}
}

// Violation is one failed rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// PolicyError lists every rule a password failed.
type PolicyError struct {
	Violations []Violation
}

func (e *PolicyError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "password policy: " + strings.Join(msgs, "; ")
}

// Is reports ErrPolicyViolation as a match.
func (e *PolicyError) Is(target error) bool {
	return target == ErrPolicyViolation
}

// Rules returns the violated rule codes in order.
func (e *PolicyError) Rules() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Rule
	}
	return out
}

// Check validates the policy itself.
func (p Policy) Check() error {
	if p.MinLength < 0 || p.MaxLength < 0 {
		return errors.New("password policy lengths must be non-negative")
	}
	if p.MaxLength > 0 && p.MinLength > p.MaxLength {
		return errors.New("password policy MinLength exceeds MaxLength")
	}
	for _, r := range p.Patterns {
		if r.Name == "" || r.Pattern == nil {
			return errors.New("password policy pattern rules need a name and pattern")
		}
	}
	return nil
}

// Validate returns nil when password satisfies the policy, or a *PolicyError
// listing every violation. identifier is the username; it is ignored when
// empty or when ForbidIdentifier is off.
func (p Policy) Validate(password, identifier string) error {
	var v []Violation
	add := func(rule, msg string) {
		v = append(v, Violation{Rule: rule, Message: msg})
	}

	n := utf8.RuneCountInString(password)
	if p.MinLength > 0 && n < p.MinLength {
		add(RuleMinLength, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		add(RuleMaxLength, fmt.Sprintf("must be at most %d characters", p.MaxLength))
	}
	if p.RequireUpper && !upperRe.MatchString(password) {
		add(RuleUpper, "must contain an uppercase letter")
	}
	if p.RequireLower && !lowerRe.MatchString(password) {
		add(RuleLower, "must contain a lowercase letter")
	}
	if p.RequireDigit && !digitRe.MatchString(password) {
		add(RuleDigit, "must contain a digit")
	}
	if p.RequireSymbol && !symbolRe.MatchString(password) {
		add(RuleSymbol, "must contain a symbol")
	}

	lower := strings.ToLower(password)
	for _, banned := range p.BannedSubstrings {
		if banned != "" && strings.Contains(lower, strings.ToLower(banned)) {
			add(RuleBanned, fmt.Sprintf("must not contain %q", banned))
		}
	}

	if p.ForbidIdentifier {
		id := strings.ToLower(strings.TrimSpace(identifier))
		if len(id) >= 3 && strings.Contains(lower, id) {
			add(RuleIdentifier, "must not contain the username")
		}
	}

	for _, r := range p.Patterns {
		if !r.Pattern.MatchString(password) {
			msg := r.Message
			if msg == "" {
				msg = "must match rule " + r.Name
			}
			add(r.Name, msg)
		}
	}

	if len(v) == 0 {
		return nil
	}
	return &PolicyError{Violations: v}
}
