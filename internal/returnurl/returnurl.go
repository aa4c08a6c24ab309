// Package returnurl sanitises the post-verification redirect target so
// that it always stays on the origin that served the challenge.
package returnurl

import "strings"

// Root is the safe fallback target.
const Root = "/"

// Validate returns candidate if it is a same-origin path and Root
// otherwise. A path must start with a single '/': protocol-relative
// ("//host") and absolute ("https://host") forms are rejected. The empty
// string stands for a missing value.
//
// Validate is idempotent.
func Validate(candidate string) string {
	if candidate == "" {
		return Root
	}
	if !strings.HasPrefix(candidate, "/") {
		return Root
	}
	if strings.HasPrefix(candidate, "//") {
		return Root
	}
	return candidate
}

// Default picks candidate, or current when candidate is empty, and
// validates the choice. current is usually the absolute location of the
// challenge page itself, which resolves to Root.
func Default(candidate, current string) string {
	if candidate == "" {
		candidate = current
	}
	return Validate(candidate)
}
