package connector

import "strings"

// classifyRule maps known engine error signatures onto the taxonomy. Rules are
// checked in order; the first rule with any matching substring wins.
type classifyRule struct {
	substrings []string
	kind       Kind
}

var classifyRules = []classifyRule{
	{
		substrings: []string{
			"timeout", "timed out", "deadline exceeded", "cancelled", "canceled",
			"operation was canceled",
		},
		kind: KindQueryTimeout,
	},
	{
		substrings: []string{
			"401", "403", "unauthorized", "forbidden", "authentication", "authorization",
			"aadsts", "invalid_client", "access token", "credential", "login failed",
			"access is denied",
		},
		kind: KindAuth,
	},
	{
		substrings: []string{
			"syntax", "semantic", "cannot be determined", "cannot find", "column",
			"measure", "table", "evaluate", "dax", "the expression", "invalid query",
		},
		kind: KindQuery,
	},
	{
		substrings: []string{
			"connection refused", "no such host", "network", "tls", "dns",
			"connection reset", "broken pipe", "unreachable", "eof",
		},
		kind: KindConnection,
	},
}

// Classify maps a raw engine error message to an error kind. The boolean is
// false when no signature matched; callers pick a phase-appropriate fallback.
func Classify(raw string) (Kind, bool) {
	lowered := strings.ToLower(raw)
	for _, rule := range classifyRules {
		for _, needle := range rule.substrings {
			if strings.Contains(lowered, needle) {
				return rule.kind, true
			}
		}
	}
	return KindConnector, false
}

// classifyEngineError wraps a raw engine failure, falling back to the given
// kind when no known signature matches.
func classifyEngineError(err error, fallback Kind) *Error {
	kind, matched := Classify(err.Error())
	if !matched {
		kind = fallback
	}
	return newError(kind, "", err)
}
