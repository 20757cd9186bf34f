package frontmatter

import (
	"sort"
	"strings"
	"time"
)

// ParseDocument parses a governance document. It returns false when the
// path is excluded or the file carries no metadata block.
func ParseDocument(p, content string) (Record, bool) {
	if !IsMarkdown(p) || Excluded(p) {
		return Record{}, false
	}
	meta, body, ok := extract(content)
	if !ok {
		return Record{}, false
	}
	slug := SlugFromPath(p)
	if slug == "" {
		return Record{}, false
	}
	rec := Record{
		Path:          strings.TrimPrefix(p, "/"),
		Slug:          slug,
		Type:          oneOf(meta.scalar("type", "kind"), IsDocumentType, TypeOther),
		Status:        oneOf(meta.scalar("status"), IsStatus, StatusDraft),
		Title:         meta.scalar("title", "name"),
		EffectiveFrom: isoDate(meta.scalar("effective_from", "effectivefrom", "effective", "effective_date")),
		EffectiveTo:   isoDate(meta.scalar("effective_to", "effectiveto", "expires")),
		EnactedBy:     meta.scalar("enacted_by", "enactedby", "proposal"),
		Domains:       domains(meta),
		Relationships: relationships(meta, slug),
		Scope:         scope(meta),
		Body:          body,
	}
	if rec.Title == "" {
		rec.Title = titleFromSlug(slug)
	}
	return rec, true
}

func oneOf(raw string, valid func(string) bool, fallback string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if valid(v) {
		return v
	}
	return fallback
}

func isoDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.Format("2006-01-02")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Format("2006-01-02")
	}
	return ""
}

func domains(meta metadata) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, it := range meta.items("domain", "domains") {
		raw := it.text
		if it.isMapping() {
			raw = it.fields["slug"]
		}
		slug := Slugify(raw)
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}

func relationships(meta metadata, self string) []Relationship {
	out := []Relationship{}
	seen := map[Relationship]struct{}{}
	add := func(relType, target string) {
		relType = normalizeKey(relType)
		target = normalizeTarget(target)
		if !IsRelationshipType(relType) || target == "" || target == self {
			return
		}
		rel := Relationship{Type: relType, Target: target}
		if _, dup := seen[rel]; dup {
			return
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}
	for _, it := range meta.items("related", "relationships", "relations") {
		if !it.isMapping() {
			if k, v, ok := splitKeyValue(it.text); ok {
				add(k, v)
			}
			continue
		}
		if relType, ok := it.fields["type"]; ok {
			add(relType, it.fields["target"])
			continue
		}
		keys := make([]string, 0, len(it.fields))
		for k := range it.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, it.fields[k])
		}
	}
	for _, relType := range RelationshipTypes {
		for _, it := range meta.items(relType) {
			if !it.isMapping() {
				add(relType, it.text)
			}
		}
	}
	return out
}

func scope(meta metadata) []ScopeEntry {
	out := []ScopeEntry{}
	seen := map[ScopeEntry]struct{}{}
	for _, it := range meta.items("scope", "scopes") {
		var (
			entry ScopeEntry
			ok    bool
		)
		if it.isMapping() {
			entry, ok = explicitScope(it.fields)
		} else {
			entry, ok = InferScope(it.text)
		}
		if !ok {
			continue
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func explicitScope(fields map[string]string) (ScopeEntry, bool) {
	entityType := strings.ToLower(strings.TrimSpace(fields["type"]))
	id := strings.TrimSpace(fields["id"])
	if !IsEntityType(entityType) || id == "" {
		return InferScope(id)
	}
	if entityType == EntityAddress {
		id = strings.ToLower(id)
	}
	return ScopeEntry{EntityType: entityType, EntityID: id}, true
}

// InferScope classifies a literal scope token by shape: "0x..." is an
// address, a leading digit is a hat id, anything else is a group slug.
func InferScope(token string) (ScopeEntry, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ScopeEntry{}, false
	}
	lower := strings.ToLower(token)
	switch {
	case strings.HasPrefix(lower, "0x"):
		return ScopeEntry{EntityType: EntityAddress, EntityID: lower}, true
	case token[0] >= '0' && token[0] <= '9':
		return ScopeEntry{EntityType: EntityHat, EntityID: token}, true
	default:
		slug := Slugify(token)
		if slug == "" {
			return ScopeEntry{}, false
		}
		return ScopeEntry{EntityType: EntityGroup, EntityID: slug}, true
	}
}
