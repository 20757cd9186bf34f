package frontmatter

import (
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SlugFromPath derives a document slug from its repository path:
// "agreements/Operating Agreement.md" -> "operating-agreement".
func SlugFromPath(p string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"))
	if ext := path.Ext(base); strings.EqualFold(ext, ".md") || strings.EqualFold(ext, ".markdown") {
		base = base[:len(base)-len(ext)]
	}
	return Slugify(base)
}

// Slugify lower-cases s and collapses every run of non-alphanumerics to "-".
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeTarget reduces a relationship target (slug, path or wiki link)
// to a slug.
func normalizeTarget(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, "[[")
	t = strings.TrimSuffix(t, "]]")
	if i := strings.IndexByte(t, '#'); i >= 0 {
		t = t[:i]
	}
	return SlugFromPath(t)
}

func titleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_'
	})
	if len(words) == 0 {
		return ""
	}
	return cases.Title(language.English).String(strings.Join(words, " "))
}
