// Package frontmatter turns governance markdown files into structured
// records. Parsing is total: malformed metadata degrades to defaults or to
// "not indexable", never to an error.
package frontmatter

const (
	TypeAgreement = "agreement"
	TypePolicy    = "policy"
	TypeProposal  = "proposal"
	TypeOther     = "other"
)

const (
	StatusDraft      = "draft"
	StatusActive     = "active"
	StatusSuperseded = "superseded"
	StatusRetired    = "retired"
)

const (
	RelAuthorizedBy = "authorized_by"
	RelImplements   = "implements"
	RelSupersedes   = "supersedes"
	RelReferences   = "references"
	RelEvaluates    = "evaluates"
	RelFulfills     = "fulfills"
)

const (
	EntityHat     = "hat"
	EntityAddress = "address"
	EntityGroup   = "group"
)

const (
	GroupActive   = "active"
	GroupInactive = "inactive"
	GroupArchived = "archived"
)

// RelationshipTypes is the closed edge vocabulary, in canonical order.
var RelationshipTypes = []string{
	RelAuthorizedBy,
	RelImplements,
	RelSupersedes,
	RelReferences,
	RelEvaluates,
	RelFulfills,
}

var (
	documentTypes = map[string]struct{}{TypeAgreement: {}, TypePolicy: {}, TypeProposal: {}, TypeOther: {}}
	statuses      = map[string]struct{}{StatusDraft: {}, StatusActive: {}, StatusSuperseded: {}, StatusRetired: {}}
	entityTypes   = map[string]struct{}{EntityHat: {}, EntityAddress: {}, EntityGroup: {}}
	groupStatuses = map[string]struct{}{GroupActive: {}, GroupInactive: {}, GroupArchived: {}}
)

type Record struct {
	Path          string         `json:"path"`
	Slug          string         `json:"slug"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	EffectiveFrom string         `json:"effectiveFrom,omitempty"`
	EffectiveTo   string         `json:"effectiveTo,omitempty"`
	EnactedBy     string         `json:"enactedBy,omitempty"`
	Domains       []string       `json:"domains"`
	Relationships []Relationship `json:"relationships"`
	Scope         []ScopeEntry   `json:"scope"`
	Body          string         `json:"-"`
}

// Relationship is an outgoing edge declared by a document. Target is a slug.
type Relationship struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type ScopeEntry struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// GroupRecord is a working-group entry from the group corpus.
type GroupRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Mandate     string   `json:"mandate,omitempty"`
	Roles       []string `json:"roles"`
}

func IsRelationshipType(v string) bool {
	for _, t := range RelationshipTypes {
		if t == v {
			return true
		}
	}
	return false
}

func IsDocumentType(v string) bool {
	_, ok := documentTypes[v]
	return ok
}

func IsStatus(v string) bool {
	_, ok := statuses[v]
	return ok
}

func IsEntityType(v string) bool {
	_, ok := entityTypes[v]
	return ok
}
