// Package tags parses the <tag>...</tag> convention model responses use to
// carry structured fields, and the file paths operators paste into prompts.
package tags

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Tag names understood by the generation and remediation prompts.
const (
	Requirement    = "requirement"
	RanResult      = "ran_result"
	InstallCommand = "install_command"
	GenCode        = "gen_code"
	TestCode       = "test_code"
	CodeFile       = "code_file"
	TestFile       = "test_file"
	Reason         = "reason"
	Solution       = "solution"
)

var (
	patternsMu sync.Mutex
	patterns   = map[string]*regexp.Regexp{}
)

func pattern(tag string) *regexp.Regexp {
	patternsMu.Lock()
	defer patternsMu.Unlock()
	re, ok := patterns[tag]
	if !ok {
		re = regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>(.*?)</` + regexp.QuoteMeta(tag) + `>`)
		patterns[tag] = re
	}
	return re
}

// Extract returns the body of every <tag>...</tag> span in text, in order.
func Extract(text, tag string) []string {
	matches := pattern(tag).FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Join returns all spans of tag joined with newlines. ok is false when the
// tag does not occur.
func Join(text, tag string) (value string, ok bool) {
	spans := Extract(text, tag)
	if len(spans) == 0 {
		return "", false
	}
	return strings.Join(spans, "\n"), true
}

// Assign writes the joined spans of tag into dst when the tag is present and
// leaves dst alone otherwise.
func Assign(text, tag string, dst *string) bool {
	v, ok := Join(text, tag)
	if ok {
		*dst = v
	}
	return ok
}

// FormatSearchRefer renders requirement -> snippets as a numbered outline.
// Keys are sorted so the output is stable.
func FormatSearchRefer(refer map[string][]string) string {
	keys := make([]string, 0, len(refer))
	for k := range refer {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		fmt.Fprintf(&b, "\n\t%d) %s:", i+1, k)
		for j, item := range refer[k] {
			fmt.Fprintf(&b, "\n\t\t%d.%d) %s", i+1, j+1, item)
		}
	}
	return b.String()
}
