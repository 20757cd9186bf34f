package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineDomainsAreValid(t *testing.T) {
	seeds, err := BaselineDomains()
	require.NoError(t, err)
	require.NotEmpty(t, seeds)

	slugs := map[string]bool{}
	for _, seed := range seeds {
		assert.False(t, slugs[seed.Slug], "duplicate slug %s", seed.Slug)
		slugs[seed.Slug] = true
	}
	for _, seed := range seeds {
		if seed.Parent != "" {
			assert.True(t, slugs[seed.Parent], "parent %s of %s is not seeded", seed.Parent, seed.Slug)
		}
	}
}

func TestParseDomainSeedsRejectsUnknownAxis(t *testing.T) {
	_, err := parseDomainSeeds([]byte("domains:\n  - slug: x\n    axis: vibes\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = parseDomainSeeds([]byte("domains:\n  - name: nameless\n    axis: entity\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEnsureDomainsFromFile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`domains:
  - slug: security-council
    name: Security Council
    axis: trust_zone
    parent: stewards
    role_id: "42.1"
`), 0o644))

	seeds, err := LoadDomainSeeds(path)
	require.NoError(t, err)
	require.NoError(t, s.EnsureDomains(ctx, seeds))
	require.NoError(t, s.EnsureDomains(ctx, seeds))

	domains, err := s.ListDomains(ctx)
	require.NoError(t, err)
	var found *Domain
	for i := range domains {
		if domains[i].Slug == "security-council" {
			found = &domains[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "stewards", found.ParentSlug)
	assert.Equal(t, "42.1", found.RoleID)
	assert.Equal(t, "trust_zone", found.Axis)
}
