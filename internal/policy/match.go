package policy

import "path"

// Match reports whether name matches pattern over the whole string.
// Patterns support "*" (any substring), "?" (one character), "[set]" and
// "[!set]" character classes; matching is case-sensitive. A malformed
// pattern matches nothing.
func Match(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
