// Package sqlguard is a coarse lexical filter that only lets read queries
// through. It is not a SQL parser.
package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrSafetyDenied is wrapped by Verdict.Err for rejected statements.
var ErrSafetyDenied = errors.New("query rejected by safety filter")

// ForbiddenKeywords are denied anywhere in a statement as whole words.
var ForbiddenKeywords = []string{
	"drop", "truncate", "delete", "update", "insert", "create",
	"alter", "grant", "revoke", "exec", "merge",
}

var forbidden = compile(ForbiddenKeywords)

func compile(words []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		res[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return res
}

// Verdict is the outcome of Check.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Keyword is the forbidden word that caused a denial, if any.
	Keyword string `json:"keyword,omitempty"`
}

// Err returns nil for allowed statements and an error wrapping
// ErrSafetyDenied otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSafetyDenied, v.Reason)
}

// Check applies the keyword blacklist, then requires the statement to start
// with SELECT. Keywords are checked in ForbiddenKeywords order and the first
// hit is reported.
//
// Go's \b treats '_' as a word character, so identifiers such as delete_log
// or last_update do not trigger a denial. Keywords inside string literals
// and comments still do.
func Check(sql string) Verdict {
	if strings.TrimSpace(sql) == "" {
		return Verdict{Reason: "Invalid query format"}
	}

	for i, re := range forbidden {
		if re.MatchString(sql) {
			kw := ForbiddenKeywords[i]
			return Verdict{
				Reason:  fmt.Sprintf("Sorry, %s operations are not allowed for security reasons.", kw),
				Keyword: kw,
			}
		}
	}

	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(sql)), "select") {
		return Verdict{Reason: "Only SELECT queries are allowed. Please rephrase your question to retrieve information."}
	}

	return Verdict{Allowed: true}
}
