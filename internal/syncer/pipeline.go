package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/frontmatter"
	"github.com/agentworkforce/govsync/internal/graph"
	"github.com/agentworkforce/govsync/internal/mirror"
	"github.com/agentworkforce/govsync/internal/source"
)

// GraphStore is the slice of the graph store the pipeline writes through.
type GraphStore interface {
	ApplyDocument(ctx context.Context, rec frontmatter.Record, contentLocation, commitID string) (graph.ApplyResult, error)
	RetireDocument(ctx context.Context, slug, path string) (bool, error)
	ActivePaths(ctx context.Context) (map[string]string, error)
}

type PipelineOptions struct {
	Source source.Source
	Mirror mirror.Mirror
	Graph  GraphStore
	// GroupPatterns select paths that are mirrored but never graphed.
	GroupPatterns []string
	Concurrency   int
	Clock         clock.Clock
	Logger        *slog.Logger
}

type Pipeline struct {
	source        source.Source
	mirror        mirror.Mirror
	graph         GraphStore
	groupPatterns []string
	concurrency   int
	clock         clock.Clock
	logger        *slog.Logger
}

func DefaultGroupPatterns() []string {
	return []string{"groups/**"}
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Source == nil || opts.Mirror == nil || opts.Graph == nil {
		return nil, fmt.Errorf("%w: pipeline requires source, mirror and graph", ErrInvalidInput)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	groupPatterns := opts.GroupPatterns
	if groupPatterns == nil {
		groupPatterns = DefaultGroupPatterns()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:        opts.Source,
		mirror:        opts.Mirror,
		graph:         opts.Graph,
		groupPatterns: groupPatterns,
		concurrency:   concurrency,
		clock:         clock.OrReal(opts.Clock),
		logger:        logger,
	}, nil
}

// IsGroupPath reports whether p belongs to the working-group corpus.
func (p *Pipeline) IsGroupPath(path string) bool {
	return frontmatter.MatchesAny(p.groupPatterns, path)
}

// Run applies one job. Every file is processed in isolation: a fetch or
// store failure is recorded in the report and never aborts its siblings.
func (p *Pipeline) Run(ctx context.Context, job Job) Report {
	report := Report{
		JobID:     job.ID,
		Commit:    job.Commit,
		Attempt:   job.Attempt,
		Reason:    job.Reason,
		StartedAt: p.clock.Now(),
		Synced:    []FileResult{},
	}
	var mu sync.Mutex
	record := func(fn func(r *Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	records := map[string]frontmatter.Record{}
	remember := func(path string, rec frontmatter.Record) {
		mu.Lock()
		records[path] = rec
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, path := range normalizePaths(job.Changed) {
		g.Go(func() error {
			p.syncChanged(ctx, job, path, record, remember)
			return nil
		})
	}
	_ = g.Wait()
	p.relinkWithinJob(ctx, job, &report, records)

	// Deletions run after every changed file so a move within one job
	// upserts the new path before the old one is considered.
	for _, path := range normalizePaths(job.Deleted) {
		g.Go(func() error {
			p.syncDeleted(ctx, path, record)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Synced, func(i, j int) bool { return report.Synced[i].Path < report.Synced[j].Path })
	sort.Strings(report.NotIndexed)
	sort.Strings(report.Retired)
	sort.Strings(report.FetchFailed)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })
	report.FinishedAt = p.clock.Now()

	p.logger.Info("sync job finished",
		"job", job.ID,
		"commit", job.Commit,
		"attempt", job.Attempt,
		"synced", len(report.Synced),
		"retired", len(report.Retired),
		"fetch_failed", len(report.FetchFailed),
		"failed", len(report.Failed),
		"edges_dropped", report.EdgesDropped())
	return report
}

func (p *Pipeline) syncChanged(ctx context.Context, job Job, path string, record func(func(*Report)), remember func(string, frontmatter.Record)) {
	content, err := p.source.Fetch(ctx, path, job.Commit)
	if err != nil {
		p.logger.Warn("source fetch failed", "path", path, "commit", job.Commit, "error", err)
		record(func(r *Report) { r.FetchFailed = append(r.FetchFailed, path) })
		return
	}

	key := mirror.ContentKey(path)
	body := []byte(content)
	meta := mirror.NewMetadata(job.Commit, path, body, p.clock.Now())
	if err := p.mirror.Put(ctx, key, body, meta); err != nil {
		p.logger.Error("mirror put failed", "path", path, "key", key, "error", err)
		record(func(r *Report) { r.Failed = append(r.Failed, Failure{Path: path, Error: err.Error()}) })
		return
	}

	result := FileResult{Path: path, Key: key}
	if p.IsGroupPath(path) {
		record(func(r *Report) { r.Synced = append(r.Synced, result) })
		return
	}
	rec, ok := frontmatter.ParseDocument(path, content)
	if !ok {
		record(func(r *Report) {
			r.Synced = append(r.Synced, result)
			r.NotIndexed = append(r.NotIndexed, path)
		})
		return
	}
	applied, err := p.graph.ApplyDocument(ctx, rec, key, job.Commit)
	if err != nil {
		p.logger.Error("graph apply failed", "path", path, "slug", rec.Slug, "error", err)
		record(func(r *Report) { r.Failed = append(r.Failed, Failure{Path: path, Error: err.Error()}) })
		return
	}
	result.Graphed = true
	result.Apply = &applied
	remember(path, rec)
	record(func(r *Report) { r.Synced = append(r.Synced, result) })
}

// relinkWithinJob applies once more every document whose dropped edges
// point at a document graphed by this same job, so the order files were
// processed in does not decide which edges exist. Targets outside the job
// stay dropped until a later sync or reconcile.
func (p *Pipeline) relinkWithinJob(ctx context.Context, job Job, report *Report, records map[string]frontmatter.Record) {
	graphed := map[string]struct{}{}
	for _, f := range report.Synced {
		if f.Apply != nil {
			graphed[f.Apply.Slug] = struct{}{}
		}
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, f := range report.Synced {
		if f.Apply == nil || !dropsAny(f.Apply.EdgesDropped, graphed) {
			continue
		}
		rec, ok := records[f.Path]
		if !ok {
			continue
		}
		g.Go(func() error {
			applied, err := p.graph.ApplyDocument(ctx, rec, f.Key, job.Commit)
			if err != nil {
				p.logger.Warn("graph relink failed", "path", f.Path, "slug", rec.Slug, "error", err)
				return nil
			}
			mu.Lock()
			report.Synced[i].Apply = &applied
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func dropsAny(dropped []string, slugs map[string]struct{}) bool {
	for _, edge := range dropped {
		_, target, _ := strings.Cut(edge, ":")
		if _, ok := slugs[target]; ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) syncDeleted(ctx context.Context, path string, record func(func(*Report))) {
	key := mirror.ContentKey(path)
	if err := p.mirror.Delete(ctx, key); err != nil {
		p.logger.Error("mirror delete failed", "path", path, "key", key, "error", err)
		record(func(r *Report) { r.Failed = append(r.Failed, Failure{Path: path, Deleted: true, Error: err.Error()}) })
		return
	}
	if p.IsGroupPath(path) || !frontmatter.IsMarkdown(path) || frontmatter.Excluded(path) {
		return
	}
	slug := frontmatter.SlugFromPath(path)
	if slug == "" {
		return
	}
	changed, err := p.graph.RetireDocument(ctx, slug, path)
	if err != nil {
		p.logger.Error("graph retire failed", "path", path, "slug", slug, "error", err)
		record(func(r *Report) { r.Failed = append(r.Failed, Failure{Path: path, Deleted: true, Error: err.Error()}) })
		return
	}
	if changed {
		record(func(r *Report) { r.Retired = append(r.Retired, slug) })
	}
}

// PlanReconcile builds a full-resync job for ref: every markdown path in
// the source is changed, and every active document whose path is gone is
// deleted.
func (p *Pipeline) PlanReconcile(ctx context.Context, ref string) (Job, error) {
	paths, err := p.source.List(ctx, ref)
	if err != nil {
		return Job{}, err
	}
	active, err := p.graph.ActivePaths(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("load active paths: %w", err)
	}
	present := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		present[path] = struct{}{}
	}
	job := Job{Changed: paths, Commit: ref, Reason: "reconcile"}
	for path := range active {
		if _, ok := present[path]; !ok {
			job.Deleted = append(job.Deleted, path)
		}
	}
	sort.Strings(job.Deleted)
	return job, nil
}
