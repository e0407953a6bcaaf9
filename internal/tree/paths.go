// Package tree maps the remote folder hierarchy onto slash-separated paths:
// name sanitizing, parent-walk resolution and breadth-first discovery.
package tree

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Well-known path segments.
const (
	Unnamed       = "Unnamed"
	DefaultFolder = "Documents"
	Placeholder   = ".placeholder"
)

var (
	illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

// Sanitize makes a remote name safe to use as a single path segment. It
// never returns an empty string.
func Sanitize(name string) string {
	name = norm.NFC.String(name)
	name = illegalChars.ReplaceAllString(name, "")
	name = spaceRun.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")
	if name == "" {
		return Unnamed
	}
	return name
}

// JoinKey joins path parts with single slashes, ignoring empty parts and
// stray separators.
func JoinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Levels expands "A/B/C" to ["A", "A/B", "A/B/C"].
func Levels(path string) []string {
	var out []string
	acc := ""
	for _, seg := range strings.Split(strings.ReplaceAll(path, `\`, "/"), "/") {
		if seg == "" {
			continue
		}
		acc = JoinKey(acc, seg)
		out = append(out, acc)
	}
	return out
}
