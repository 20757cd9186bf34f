package webhook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/govsync/internal/frontmatter"
)

//go:embed push.schema.json
var pushSchemaJSON []byte

const pushSchemaURL = "https://govsync.dev/schemas/push.json"

var compilePushSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(pushSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(pushSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(pushSchemaURL)
})

// PushEvent is the subset of a push notification the intake reads. GitHub
// and Gitea share this shape.
type PushEvent struct {
	Ref        string       `json:"ref"`
	Before     string       `json:"before"`
	After      string       `json:"after"`
	Repository PushRepo     `json:"repository"`
	Commits    []PushCommit `json:"commits"`
}

type PushRepo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type PushCommit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// DecodePush validates body against the push schema and decodes it.
func DecodePush(body []byte) (PushEvent, error) {
	schema, err := compilePushSchema()
	if err != nil {
		return PushEvent{}, fmt.Errorf("compile push schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}

// Branch returns the branch name for a refs/heads/ ref, or "" for tags and
// other refs.
func (e PushEvent) Branch() string {
	if !strings.HasPrefix(e.Ref, "refs/heads/") {
		return ""
	}
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// MarkdownChanges folds every commit in order into the final changed and
// deleted markdown sets. A later add or modify cancels an earlier remove of
// the same path and vice versa. Paths keep first-seen order.
func (e PushEvent) MarkdownChanges() (changed, deleted []string) {
	state := map[string]bool{}
	var order []string
	mark := func(p string, removed bool) {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if p == "" || !frontmatter.IsMarkdown(p) {
			return
		}
		if _, seen := state[p]; !seen {
			order = append(order, p)
		}
		state[p] = removed
	}
	for _, c := range e.Commits {
		for _, p := range c.Added {
			mark(p, false)
		}
		for _, p := range c.Modified {
			mark(p, false)
		}
		for _, p := range c.Removed {
			mark(p, true)
		}
	}
	for _, p := range order {
		if state[p] {
			deleted = append(deleted, p)
		} else {
			changed = append(changed, p)
		}
	}
	return changed, deleted
}
