package graph

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed domains.yaml
var baselineDomainsYAML []byte

var domainAxes = map[string]struct{}{
	"entity":              {},
	"trust_zone":          {},
	"governance_function": {},
}

// DomainSeed is one domain definition from a seed file.
type DomainSeed struct {
	Slug   string `yaml:"slug"`
	Name   string `yaml:"name"`
	Axis   string `yaml:"axis"`
	Parent string `yaml:"parent,omitempty"`
	RoleID string `yaml:"role_id,omitempty"`
}

type domainSeedFile struct {
	Domains []DomainSeed `yaml:"domains"`
}

// BaselineDomains returns the embedded baseline domain set.
func BaselineDomains() ([]DomainSeed, error) {
	return parseDomainSeeds(baselineDomainsYAML)
}

// LoadDomainSeeds reads additional domain definitions from a YAML file.
func LoadDomainSeeds(path string) ([]DomainSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain seeds: %w", err)
	}
	return parseDomainSeeds(data)
}

func parseDomainSeeds(data []byte) ([]DomainSeed, error) {
	var file domainSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse domain seeds: %w", err)
	}
	for i, seed := range file.Domains {
		seed.Slug = strings.TrimSpace(seed.Slug)
		seed.Axis = strings.TrimSpace(seed.Axis)
		if seed.Slug == "" {
			return nil, fmt.Errorf("%w: domain seed %d has no slug", ErrInvalidInput, i)
		}
		if _, ok := domainAxes[seed.Axis]; !ok {
			return nil, fmt.Errorf("%w: domain %s has unknown axis %q", ErrInvalidInput, seed.Slug, seed.Axis)
		}
		if strings.TrimSpace(seed.Name) == "" {
			seed.Name = seed.Slug
		}
		file.Domains[i] = seed
	}
	return file.Domains, nil
}

// EnsureDomains inserts missing domains and fills unset parents and role
// ids. Existing rows are never overwritten, so seeding is idempotent.
func (s *Store) EnsureDomains(ctx context.Context, seeds []DomainSeed) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin domain seed: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	for _, seed := range seeds {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO domains (id, slug, name, axis, created_at)
VALUES (?, ?, ?, ?, ?) ON CONFLICT (slug) DO NOTHING`), newID(), seed.Slug, seed.Name, seed.Axis, now); err != nil {
			return fmt.Errorf("seed domain %s: %w", seed.Slug, err)
		}
	}
	for _, seed := range seeds {
		if seed.Parent != "" {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE domains
SET parent_id = (SELECT p.id FROM domains p WHERE p.slug = ?)
WHERE slug = ? AND parent_id IS NULL`), seed.Parent, seed.Slug); err != nil {
				return fmt.Errorf("seed parent of %s: %w", seed.Slug, err)
			}
		}
		if seed.RoleID != "" {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE domains SET role_id = ? WHERE slug = ? AND role_id IS NULL`),
				seed.RoleID, seed.Slug); err != nil {
				return fmt.Errorf("seed role of %s: %w", seed.Slug, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit domain seed: %w", err)
	}
	committed = true
	return nil
}
