package frontmatter

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// excludePatterns match presentational files that carry no records.
// Paths are lower-cased before matching.
var excludePatterns = []string{
	"**/readme.md",
	"**/*template*",
	"**/*template*/**",
	"**/_*",
	"**/_*/**",
}

// IsMarkdown reports whether p has a markdown suffix.
func IsMarkdown(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".md" || ext == ".markdown"
}

// Excluded reports whether p is a markdown file that must never be indexed.
func Excluded(p string) bool {
	clean := strings.ToLower(strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/"))
	for _, pattern := range excludePatterns {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return true
		}
	}
	return false
}

// MatchesAny reports whether p matches one of the doublestar patterns.
func MatchesAny(patterns []string, p string) bool {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return true
		}
	}
	return false
}
