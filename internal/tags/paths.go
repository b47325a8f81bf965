package tags

import (
	"os"
	"regexp"
	"time"
)

// pathPattern matches slash- or backslash-separated path-looking runs, with an
// optional drive prefix or leading root slash. Full-width and ASCII commas
// end a match.
var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:[\\/]|/)?(?:[^\\/\s，,]+[\\/])+[^\\/\s，,]+`)

// ExtractPaths returns the path-looking substrings of text in order of
// appearance. Candidates are not checked against the filesystem.
func ExtractPaths(text string) []string {
	return pathPattern.FindAllString(text, -1)
}

// HasPaths reports whether text contains at least one path-looking substring.
func HasPaths(text string) bool {
	return pathPattern.MatchString(text)
}

// ResolveFile trims trailing characters from candidate until it names an
// existing regular file. Trimming stops at a path separator, in which case
// candidate is returned unchanged with ok false, as it is when the timeout
// elapses first.
func ResolveFile(candidate string, timeout time.Duration) (path string, ok bool) {
	deadline := time.Now().Add(timeout)
	runes := []rune(candidate)
	for n := len(runes); n > 0; n-- {
		if timeout > 0 && time.Now().After(deadline) {
			break
		}
		if last := runes[n-1]; last == '/' || last == '\\' {
			break
		}
		p := string(runes[:n])
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return candidate, false
}
