// Package template provides the flat {{name}} substitution used by both the
// Worker and the Retry Controller when rendering a Job's Template against a
// Recipient immediately before a send attempt.
package template

import (
	"fmt"
	"strings"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Expand substitutes {{name}} tokens in s against vars. An unknown token
// expands to the empty string; a malformed token (no closing "}}" before the
// next "{{", or nested braces) is left verbatim. This is intentionally not
// text/template: the spec calls for a single flat substitution pass with
// lenient behavior on malformed input, not an error-on-malformed template
// language.
func Expand(s string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// No closing delimiter at all: the rest is malformed, left verbatim.
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		name := strings.TrimSpace(s[start+2 : end])
		if strings.Contains(name, "{{") {
			// Nested opening brace before the close: malformed, left verbatim.
			b.WriteString(s[start : end+2])
		} else if val, ok := vars[name]; ok {
			b.WriteString(val)
		}
		// else: unknown token, expands to empty string (write nothing)

		s = s[end+2:]
	}
	return b.String()
}

// MergedVariables builds the flat {{name}} -> value map for a Recipient:
// fixed fields, then custom fields, then tracking tags (as a comma-joined
// "tags" variable), in that precedence order.
func MergedVariables(recipient domain.Recipient, tags []string) map[string]string {
	vars := make(map[string]string, len(recipient.CustomFields)+4)
	vars["email"] = recipient.Email
	vars["name"] = recipient.DisplayName
	vars["displayName"] = recipient.DisplayName
	for k, v := range recipient.CustomFields {
		vars[k] = fmt.Sprintf("%v", v)
	}
	if len(tags) > 0 {
		vars["tags"] = strings.Join(tags, ", ")
	}
	return vars
}
