package aggregates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/frontmatter"
	"github.com/agentworkforce/govsync/internal/source"
)

const (
	GroupsKey        = "groups"
	groupFetchLimit  = 8
	DefaultGroupsTTL = time.Hour
)

// GroupsFetcher builds the working-group list from the group corpus in the
// source repository.
type GroupsFetcher struct {
	Source   source.Source
	Patterns []string
	Ref      string
	TTL      time.Duration
	Logger   *slog.Logger
}

func (g *GroupsFetcher) patterns() []string {
	if len(g.Patterns) > 0 {
		return g.Patterns
	}
	return []string{"groups/**"}
}

// Fetch lists and parses every group file; files without metadata are
// skipped. A fetch failure fails the whole key so the previous value stays.
func (g *GroupsFetcher) Fetch(ctx context.Context) (json.RawMessage, error) {
	paths, err := g.Source.List(ctx, g.Ref)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var (
		mu      sync.Mutex
		records = []frontmatter.GroupRecord{}
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(groupFetchLimit)
	for _, p := range paths {
		if !frontmatter.MatchesAny(g.patterns(), p) {
			continue
		}
		eg.Go(func() error {
			content, err := g.Source.Fetch(egCtx, p, g.Ref)
			if err != nil {
				return err
			}
			id := strings.TrimSuffix(path.Base(p), path.Ext(p))
			rec, ok := frontmatter.ParseGroupRecord(id, content)
			if !ok {
				g.logger().Debug("group file has no metadata", "path", p)
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return json.Marshal(records)
}

func (g *GroupsFetcher) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *GroupsFetcher) CacheSource() cache.Source {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultGroupsTTL
	}
	return cache.Source{Key: GroupsKey, TTL: ttl, Fetch: g.Fetch}
}
