package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentworkforce/govsync/internal/frontmatter"
)

// ApplyResult summarises one document's graph write.
type ApplyResult struct {
	DocumentID     string   `json:"documentId"`
	Slug           string   `json:"slug"`
	DomainsLinked  int      `json:"domainsLinked"`
	DomainsSkipped []string `json:"domainsSkipped,omitempty"`
	EdgesLinked    int      `json:"edgesLinked"`
	EdgesDropped   []string `json:"edgesDropped,omitempty"`
	ScopeEntries   int      `json:"scopeEntries"`
}

// ApplyDocument writes a parsed record and all of its associations in one
// transaction: the document row is upserted, then its domain links,
// outgoing relationships and scope entries are replaced by the declared
// sets. Unknown domains and relationship targets that are not yet synced
// are skipped and reported, never errors.
func (s *Store) ApplyDocument(ctx context.Context, rec frontmatter.Record, contentLocation, commitID string) (ApplyResult, error) {
	if rec.Slug == "" {
		return ApplyResult{}, fmt.Errorf("%w: record without slug", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin apply %s: %w", rec.Slug, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	id, err := s.upsertDocument(ctx, tx, rec, contentLocation, commitID)
	if err != nil {
		return ApplyResult{}, err
	}
	result := ApplyResult{DocumentID: id, Slug: rec.Slug}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_domains WHERE document_id = ?`), id); err != nil {
		return ApplyResult{}, fmt.Errorf("clear domains for %s: %w", rec.Slug, err)
	}
	for _, domain := range rec.Domains {
		linked, err := s.upsertDomainLink(ctx, tx, id, domain)
		if err != nil {
			return ApplyResult{}, err
		}
		if !linked {
			result.DomainsSkipped = append(result.DomainsSkipped, domain)
			continue
		}
		result.DomainsLinked++
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_relationships WHERE from_id = ?`), id); err != nil {
		return ApplyResult{}, fmt.Errorf("clear relationships for %s: %w", rec.Slug, err)
	}
	for _, rel := range rec.Relationships {
		targetID, ok, err := s.resolveSlug(ctx, tx, rel.Target)
		if err != nil {
			return ApplyResult{}, err
		}
		if !ok {
			result.EdgesDropped = append(result.EdgesDropped, rel.Type+":"+rel.Target)
			s.logger.Debug("relationship target not synced yet", "from", rec.Slug, "type", rel.Type, "target", rel.Target)
			continue
		}
		if err := s.upsertRelationship(ctx, tx, id, rel.Type, targetID); err != nil {
			return ApplyResult{}, err
		}
		result.EdgesLinked++
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_scope WHERE document_id = ?`), id); err != nil {
		return ApplyResult{}, fmt.Errorf("clear scope for %s: %w", rec.Slug, err)
	}
	for _, entry := range rec.Scope {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO document_scope (document_id, entity_type, entity_id)
VALUES (?, ?, ?) ON CONFLICT DO NOTHING`), id, entry.EntityType, entry.EntityID); err != nil {
			return ApplyResult{}, fmt.Errorf("insert scope for %s: %w", rec.Slug, err)
		}
		result.ScopeEntries++
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit apply %s: %w", rec.Slug, err)
	}
	committed = true
	return result, nil
}

// UpsertDocument inserts or updates the document row keyed by slug and
// returns its stable id.
func (s *Store) UpsertDocument(ctx context.Context, rec frontmatter.Record, contentLocation, commitID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.upsertDocument(ctx, s.db, rec, contentLocation, commitID)
}

// upsertDocument moves updated_at only when document metadata changed; a
// new commit id alone does not count.
func (s *Store) upsertDocument(ctx context.Context, q querier, rec frontmatter.Record, contentLocation, commitID string) (string, error) {
	if rec.Slug == "" {
		return "", fmt.Errorf("%w: record without slug", ErrInvalidInput)
	}
	now := s.now()
	query := s.rebind(`INSERT INTO documents (
    id, slug, path, type, title, status, effective_from, effective_to, enacted_by,
    content_location, commit_id, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (slug) DO UPDATE SET
    path = excluded.path,
    type = excluded.type,
    title = excluded.title,
    status = excluded.status,
    effective_from = excluded.effective_from,
    effective_to = excluded.effective_to,
    enacted_by = excluded.enacted_by,
    content_location = excluded.content_location,
    commit_id = excluded.commit_id,
    updated_at = CASE WHEN
        documents.path = excluded.path
        AND documents.type IS NOT DISTINCT FROM excluded.type
        AND documents.title IS NOT DISTINCT FROM excluded.title
        AND documents.status IS NOT DISTINCT FROM excluded.status
        AND documents.effective_from IS NOT DISTINCT FROM excluded.effective_from
        AND documents.effective_to IS NOT DISTINCT FROM excluded.effective_to
        AND documents.enacted_by IS NOT DISTINCT FROM excluded.enacted_by
        AND documents.content_location = excluded.content_location
    THEN documents.updated_at ELSE excluded.updated_at END
RETURNING id`)
	var id string
	err := q.QueryRowContext(ctx, query,
		newID(), rec.Slug, rec.Path, rec.Type, rec.Title, rec.Status,
		nullable(rec.EffectiveFrom), nullable(rec.EffectiveTo), nullable(rec.EnactedBy),
		contentLocation, commitID, now, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert document %s: %w", rec.Slug, err)
	}
	return id, nil
}

// UpsertDomainLink links a document to a seeded domain. It reports false,
// without error, when the domain slug is unknown.
func (s *Store) UpsertDomainLink(ctx context.Context, documentID, domainSlug string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.upsertDomainLink(ctx, s.db, documentID, domainSlug)
}

func (s *Store) upsertDomainLink(ctx context.Context, q querier, documentID, domainSlug string) (bool, error) {
	var domainID string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT id FROM domains WHERE slug = ?`), domainSlug).Scan(&domainID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup domain %s: %w", domainSlug, err)
	}
	if _, err := q.ExecContext(ctx, s.rebind(`INSERT INTO document_domains (document_id, domain_id)
VALUES (?, ?) ON CONFLICT DO NOTHING`), documentID, domainID); err != nil {
		return false, fmt.Errorf("link domain %s: %w", domainSlug, err)
	}
	return true, nil
}

// UpsertRelationship records the edge (fromID, relType, toID). Repeating an
// existing edge is a no-op.
func (s *Store) UpsertRelationship(ctx context.Context, fromID, relType, toID string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.upsertRelationship(ctx, s.db, fromID, relType, toID)
}

func (s *Store) upsertRelationship(ctx context.Context, q querier, fromID, relType, toID string) error {
	if !frontmatter.IsRelationshipType(relType) {
		return fmt.Errorf("%w: relationship type %q", ErrInvalidInput, relType)
	}
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO document_relationships (from_id, type, to_id, created_at)
VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`), fromID, relType, toID, s.now())
	if err != nil {
		return fmt.Errorf("upsert relationship %s -%s-> %s: %w", fromID, relType, toID, err)
	}
	return nil
}

// ResolveSlug returns the id of the document with slug.
func (s *Store) ResolveSlug(ctx context.Context, slug string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.resolveSlug(ctx, s.db, slug)
}

func (s *Store) resolveSlug(ctx context.Context, q querier, slug string) (string, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT id FROM documents WHERE slug = ?`), slug).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve slug %s: %w", slug, err)
	}
	return id, true, nil
}

// RetireDocument transitions a document to retired. When path is set the
// row is only retired while it still points at path, so deleting the old
// location of a moved file leaves the document at its new location alone.
// It reports whether the row changed; retiring an unknown or already
// retired slug is a no-op.
func (s *Store) RetireDocument(ctx context.Context, slug, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	query := `UPDATE documents SET status = ?, updated_at = ?
WHERE slug = ? AND status <> ?`
	args := []any{frontmatter.StatusRetired, s.now(), slug, frontmatter.StatusRetired}
	if path != "" {
		query += ` AND path = ?`
		args = append(args, path)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("retire document %s: %w", slug, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retire document %s: %w", slug, err)
	}
	return n > 0, nil
}
