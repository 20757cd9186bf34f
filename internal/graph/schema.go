// Package graph persists governance documents, classification domains,
// typed relationships and entity scope in a relational store (SQLite or
// PostgreSQL). The relationship and entity vocabularies are enforced by
// CHECK constraints so external reporting tools see the same closed sets.
package graph

const (
	createDomains = `CREATE TABLE IF NOT EXISTS domains (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    axis TEXT NOT NULL CHECK (axis IN ('entity', 'trust_zone', 'governance_function')),
    parent_id TEXT REFERENCES domains(id),
    role_id TEXT,
    created_at TEXT NOT NULL
)`

	createDocuments = `CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    path TEXT NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('agreement', 'policy', 'proposal', 'other')),
    title TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('draft', 'active', 'superseded', 'retired')),
    effective_from TEXT,
    effective_to TEXT,
    enacted_by TEXT,
    content_location TEXT NOT NULL,
    commit_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

	createDocumentDomains = `CREATE TABLE IF NOT EXISTS document_domains (
    document_id TEXT NOT NULL REFERENCES documents(id),
    domain_id TEXT NOT NULL REFERENCES domains(id),
    PRIMARY KEY (document_id, domain_id)
)`

	createDocumentRelationships = `CREATE TABLE IF NOT EXISTS document_relationships (
    from_id TEXT NOT NULL REFERENCES documents(id),
    type TEXT NOT NULL CHECK (type IN ('authorized_by', 'implements', 'supersedes', 'references', 'evaluates', 'fulfills')),
    to_id TEXT NOT NULL REFERENCES documents(id),
    created_at TEXT NOT NULL,
    PRIMARY KEY (from_id, type, to_id)
)`

	createDocumentScope = `CREATE TABLE IF NOT EXISTS document_scope (
    document_id TEXT NOT NULL REFERENCES documents(id),
    entity_type TEXT NOT NULL CHECK (entity_type IN ('hat', 'address', 'group')),
    entity_id TEXT NOT NULL,
    PRIMARY KEY (document_id, entity_type, entity_id)
)`
)

var schemaDDL = []string{
	createDomains,
	createDocuments,
	createDocumentDomains,
	createDocumentRelationships,
	createDocumentScope,
}

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents (type)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status)`,
	`CREATE INDEX IF NOT EXISTS idx_document_domains_domain ON document_domains (domain_id)`,
	`CREATE INDEX IF NOT EXISTS idx_document_relationships_to ON document_relationships (to_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_document_scope_entity ON document_scope (entity_type, entity_id)`,
}
