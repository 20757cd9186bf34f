package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/govsync/internal/frontmatter"
)

type Document struct {
	ID              string                   `json:"id"`
	Slug            string                   `json:"slug"`
	Path            string                   `json:"path"`
	Type            string                   `json:"type"`
	Title           string                   `json:"title"`
	Status          string                   `json:"status"`
	EffectiveFrom   string                   `json:"effectiveFrom,omitempty"`
	EffectiveTo     string                   `json:"effectiveTo,omitempty"`
	EnactedBy       string                   `json:"enactedBy,omitempty"`
	ContentLocation string                   `json:"contentLocation"`
	CommitID        string                   `json:"commitId,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	Domains         []string                 `json:"domains,omitempty"`
	Scope           []frontmatter.ScopeEntry `json:"scope,omitempty"`
}

// Retired reports whether the document was removed from the source tree.
func (d Document) Retired() bool {
	return d.Status == frontmatter.StatusRetired
}

type Domain struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Axis       string `json:"axis"`
	ParentSlug string `json:"parent,omitempty"`
	RoleID     string `json:"roleId,omitempty"`
}

// Edge is a relationship rendered with slugs on both ends.
type Edge struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// DocumentFilter narrows ListDocuments. Retired documents are excluded
// unless Status asks for them or IncludeRetired is set.
type DocumentFilter struct {
	Type           string
	Status         string
	Domain         string
	Relationship   string
	Target         string
	IncludeRetired bool
	Limit          int
}

const documentColumns = `d.id, d.slug, d.path, d.type, d.title, d.status, d.effective_from, d.effective_to,
    d.enacted_by, d.content_location, d.commit_id, d.created_at, d.updated_at`

func scanDocument(scanner interface{ Scan(...any) error }) (Document, error) {
	var (
		doc                          Document
		from, to, enacted            sql.NullString
		createdAt, updatedAt, commit string
	)
	if err := scanner.Scan(&doc.ID, &doc.Slug, &doc.Path, &doc.Type, &doc.Title, &doc.Status,
		&from, &to, &enacted, &doc.ContentLocation, &commit, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	doc.EffectiveFrom = from.String
	doc.EffectiveTo = to.String
	doc.EnactedBy = enacted.String
	doc.CommitID = commit
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

// GetDocument returns the document with slug, retired or not, with its
// domain slugs and scope entries.
func (s *Store) GetDocument(ctx context.Context, slug string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+documentColumns+` FROM documents d WHERE d.slug = ?`), slug)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", slug, err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT dm.slug FROM document_domains dd
JOIN domains dm ON dm.id = dd.domain_id
WHERE dd.document_id = ? ORDER BY dm.slug`), doc.ID)
	if err != nil {
		return Document{}, fmt.Errorf("get domains for %s: %w", slug, err)
	}
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			rows.Close()
			return Document{}, err
		}
		doc.Domains = append(doc.Domains, domain)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Document{}, err
	}

	rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT entity_type, entity_id FROM document_scope
WHERE document_id = ? ORDER BY entity_type, entity_id`), doc.ID)
	if err != nil {
		return Document{}, fmt.Errorf("get scope for %s: %w", slug, err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry frontmatter.ScopeEntry
		if err := rows.Scan(&entry.EntityType, &entry.EntityID); err != nil {
			return Document{}, err
		}
		doc.Scope = append(doc.Scope, entry)
	}
	return doc, rows.Err()
}

func (s *Store) ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "d.type = ?")
		args = append(args, filter.Type)
	}
	switch {
	case filter.Status != "":
		where = append(where, "d.status = ?")
		args = append(args, filter.Status)
	case !filter.IncludeRetired:
		where = append(where, "d.status <> ?")
		args = append(args, frontmatter.StatusRetired)
	}
	if filter.Domain != "" {
		where = append(where, `EXISTS (SELECT 1 FROM document_domains dd JOIN domains dm ON dm.id = dd.domain_id
    WHERE dd.document_id = d.id AND dm.slug = ?)`)
		args = append(args, filter.Domain)
	}
	if filter.Relationship != "" || filter.Target != "" {
		clause := `EXISTS (SELECT 1 FROM document_relationships r JOIN documents t ON t.id = r.to_id WHERE r.from_id = d.id`
		if filter.Relationship != "" {
			clause += " AND r.type = ?"
			args = append(args, filter.Relationship)
		}
		if filter.Target != "" {
			clause += " AND t.slug = ?"
			args = append(args, filter.Target)
		}
		where = append(where, clause+")")
	}
	query := `SELECT ` + documentColumns + ` FROM documents d`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.slug"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListRelationships returns every edge touching slug, outgoing first.
func (s *Store) ListRelationships(ctx context.Context, slug string) ([]Edge, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT f.slug, r.type, t.slug
FROM document_relationships r
JOIN documents f ON f.id = r.from_id
JOIN documents t ON t.id = r.to_id
WHERE f.slug = ? OR t.slug = ?
ORDER BY CASE WHEN f.slug = ? THEN 0 ELSE 1 END, r.type, f.slug, t.slug`), slug, slug, slug)
	if err != nil {
		return nil, fmt.Errorf("list relationships for %s: %w", slug, err)
	}
	defer rows.Close()
	edges := []Edge{}
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.Type, &e.To); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT d.id, d.slug, d.name, d.axis, p.slug, d.role_id
FROM domains d LEFT JOIN domains p ON p.id = d.parent_id
ORDER BY d.axis, d.slug`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
	domains := []Domain{}
	for rows.Next() {
		var (
			d            Domain
			parent, role sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Slug, &d.Name, &d.Axis, &parent, &role); err != nil {
			return nil, err
		}
		d.ParentSlug = parent.String
		d.RoleID = role.String
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// ActivePaths maps the source path of every non-retired document to its slug.
func (s *Store) ActivePaths(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT path, slug FROM documents WHERE status <> ?`), frontmatter.StatusRetired)
	if err != nil {
		return nil, fmt.Errorf("list active paths: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var path, slug string
		if err := rows.Scan(&path, &slug); err != nil {
			return nil, err
		}
		out[path] = slug
	}
	return out, rows.Err()
}

// Counts reports row counts per table for status pages.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	out := map[string]int{}
	for _, table := range []string{"documents", "domains", "document_domains", "document_relationships", "document_scope"} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
