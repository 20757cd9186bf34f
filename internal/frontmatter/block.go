package frontmatter

import (
	"strings"
)

const delimiter = "---"

// item is one list element: either a scalar or a flat mapping.
type item struct {
	text   string
	fields map[string]string
}

func (i item) isMapping() bool {
	return i.fields != nil
}

type value struct {
	scalar string
	list   []item
	isList bool
}

// items returns the value as a list, promoting a scalar to a single item.
func (v value) items() []item {
	if v.isList {
		return v.list
	}
	if strings.TrimSpace(v.scalar) == "" {
		return nil
	}
	return []item{parseItem(v.scalar)}
}

type metadata map[string]value

func (m metadata) scalar(keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		if !v.isList {
			if s := strings.TrimSpace(v.scalar); s != "" {
				return s
			}
			continue
		}
		for _, it := range v.list {
			if !it.isMapping() && strings.TrimSpace(it.text) != "" {
				return strings.TrimSpace(it.text)
			}
		}
	}
	return ""
}

func (m metadata) items(keys ...string) []item {
	var out []item
	for _, key := range keys {
		if v, ok := m[key]; ok {
			out = append(out, v.items()...)
		}
	}
	return out
}

// splitBlock separates the leading delimited metadata block from the body.
func splitBlock(content string) ([]string, string, bool) {
	content = strings.TrimPrefix(content, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != delimiter {
		return nil, "", false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delimiter {
			body := strings.Join(lines[i+1:], "\n")
			return lines[1:i], strings.TrimLeft(body, "\n"), true
		}
	}
	return nil, "", false
}

func extract(content string) (metadata, string, bool) {
	lines, body, ok := splitBlock(content)
	if !ok {
		return nil, "", false
	}
	return parseLines(lines), body, true
}

func parseLines(lines []string) metadata {
	meta := metadata{}
	listKey := ""
	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "-" || strings.HasPrefix(trimmed, "- ") {
			if listKey == "" {
				continue
			}
			meta.appendItem(listKey, parseItem(strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))))
			continue
		}
		indented := len(line) > len(strings.TrimLeft(line, " \t"))
		if indented && listKey != "" {
			if k, v, ok := splitKeyValue(trimmed); ok {
				meta.extendLast(listKey, normalizeKey(k), unquote(v))
			}
			continue
		}
		key, rest, ok := splitKeyValue(trimmed)
		if !ok {
			listKey = ""
			continue
		}
		key = normalizeKey(key)
		switch {
		case rest == "":
			meta[key] = value{isList: true}
			listKey = key
		case isInlineList(rest):
			meta[key] = value{isList: true, list: parseInlineList(rest)}
			listKey = ""
		default:
			meta[key] = value{scalar: unquote(stripComment(rest))}
			listKey = ""
		}
	}
	return meta
}

// pairFields are the keys of a typed entry such as {type, target} or
// {type, id}.
var pairFields = map[string]bool{"type": true, "target": true, "id": true}

// appendItem adds it to the list under key. A mapping item made only of
// pair fields completes the previous entry when that entry is half a pair,
// so "- type: x" followed by "- target: y" forms one entry while
// "- references: y" always starts its own.
func (m metadata) appendItem(key string, it item) {
	v := m[key]
	v.isList = true
	if it.isMapping() && len(v.list) > 0 {
		last := v.list[len(v.list)-1]
		if last.isMapping() && completesPair(last.fields, it.fields) {
			for k, val := range it.fields {
				last.fields[k] = val
			}
			m[key] = v
			return
		}
	}
	if !it.isMapping() && strings.TrimSpace(it.text) == "" {
		m[key] = v
		return
	}
	v.list = append(v.list, it)
	m[key] = v
}

func (m metadata) extendLast(key, field, val string) {
	v, ok := m[key]
	if !ok || len(v.list) == 0 {
		return
	}
	last := v.list[len(v.list)-1]
	if !last.isMapping() {
		return
	}
	last.fields[field] = val
}

func completesPair(last, next map[string]string) bool {
	for k := range next {
		if !pairFields[k] {
			return false
		}
		if _, ok := last[k]; ok {
			return false
		}
	}
	for k := range last {
		if !pairFields[k] {
			return false
		}
	}
	_, hasType := last["type"]
	_, hasTarget := last["target"]
	_, hasID := last["id"]
	return hasType != (hasTarget || hasID)
}

func parseItem(text string) item {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		return item{fields: parseFlowMapping(text)}
	}
	if isQuoted(text) {
		return item{text: unquote(text)}
	}
	if k, v, ok := splitKeyValue(text); ok && isIdentifier(k) {
		return item{fields: map[string]string{normalizeKey(k): unquote(stripComment(v))}}
	}
	return item{text: unquote(stripComment(text))}
}

func parseFlowMapping(text string) map[string]string {
	inner := strings.TrimSpace(text[1 : len(text)-1])
	fields := map[string]string{}
	for _, part := range splitTopLevel(inner) {
		if k, v, ok := splitKeyValue(strings.TrimSpace(part)); ok {
			fields[normalizeKey(k)] = unquote(v)
		}
	}
	return fields
}

func isInlineList(v string) bool {
	return strings.HasPrefix(v, "[") && strings.HasSuffix(stripComment(v), "]")
}

func parseInlineList(v string) []item {
	v = stripComment(v)
	inner := strings.TrimSpace(v[1 : len(v)-1])
	var out []item
	for _, part := range splitTopLevel(inner) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseItem(part))
	}
	return out
}

// splitTopLevel splits on commas outside braces, brackets and quotes.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			if depth > 0 {
				depth--
			}
		case r == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// splitKeyValue splits "key: value" on the first colon that ends the line or
// is followed by whitespace, so URLs and times stay intact.
func splitKeyValue(s string) (string, string, bool) {
	if isQuoted(s) {
		return "", "", false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			continue
		}
		if i+1 < len(s) && s[i+1] != ' ' && s[i+1] != '\t' {
			continue
		}
		key := strings.TrimSpace(s[:i])
		if key == "" {
			return "", "", false
		}
		return unquote(key), strings.TrimSpace(s[i+1:]), true
	}
	return "", "", false
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.ReplaceAll(k, "-", "_")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

func stripComment(s string) string {
	if isQuoted(strings.TrimSpace(s)) {
		return s
	}
	if i := strings.Index(s, " #"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
