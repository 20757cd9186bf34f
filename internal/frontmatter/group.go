package frontmatter

import (
	"strings"
)

// ParseGroupRecord parses a working-group file. It returns false when the
// content carries no metadata block.
func ParseGroupRecord(id, content string) (GroupRecord, bool) {
	meta, body, ok := extract(content)
	if !ok {
		return GroupRecord{}, false
	}
	id = Slugify(id)
	if id == "" {
		return GroupRecord{}, false
	}
	rec := GroupRecord{
		ID:          id,
		Name:        meta.scalar("name", "title"),
		Description: meta.scalar("description", "summary"),
		Status:      oneOf(meta.scalar("status"), isGroupStatus, GroupActive),
		Mandate:     meta.scalar("mandate", "purpose"),
		Roles:       roles(meta),
	}
	if rec.Name == "" {
		rec.Name = titleFromSlug(id)
	}
	if rec.Description == "" {
		rec.Description = firstParagraph(body)
	}
	return rec, true
}

func isGroupStatus(v string) bool {
	_, ok := groupStatuses[v]
	return ok
}

func roles(meta metadata) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, it := range meta.items("roles", "hats", "linked_roles") {
		raw := strings.TrimSpace(it.text)
		if it.isMapping() {
			raw = strings.TrimSpace(it.fields["id"])
		}
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out
}

func firstParagraph(body string) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") {
			continue
		}
		return strings.Join(strings.Fields(para), " ")
	}
	return ""
}
