package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/govsync/internal/frontmatter"
	"github.com/agentworkforce/govsync/internal/retryhttp"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider for a fixed token. An empty token sends
// unauthenticated requests.
func StaticToken(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) { return token, nil }
}

type GitHubOptions struct {
	BaseURL       string
	Owner         string
	Repo          string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Logger        *slog.Logger
}

// GitHub reads files through the contents API and lists them through the
// recursive git trees API.
type GitHub struct {
	baseURL       string
	owner         string
	repo          string
	tokenProvider TokenProvider
	userAgent     string
	client        *retryhttp.Client
	logger        *slog.Logger
}

func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	owner := strings.TrimSpace(opts.Owner)
	repo := strings.TrimSpace(opts.Repo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("github source requires owner and repo")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	tokenProvider := opts.TokenProvider
	if tokenProvider == nil {
		tokenProvider = StaticToken("")
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "govsync"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		baseURL:       baseURL,
		owner:         owner,
		repo:          repo,
		tokenProvider: tokenProvider,
		userAgent:     userAgent,
		client: retryhttp.New(retryhttp.Options{
			HTTPClient: opts.HTTPClient,
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
			MaxDelay:   opts.MaxDelay,
		}),
		logger: logger,
	}, nil
}

// ParseRepository splits "owner/repo".
func ParseRepository(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", fullName)
	}
	return owner, repo, nil
}

func (g *GitHub) Fetch(ctx context.Context, path, ref string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", unavailable("fetch", "(empty path)", errors.New("empty path"))
	}
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL, url.PathEscape(g.owner), url.PathEscape(g.repo), strings.Join(segments, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	resp, err := g.get(ctx, endpoint, "application/vnd.github.raw")
	if err != nil {
		return "", unavailable("fetch", path+"@"+ref, err)
	}
	return string(resp.Body), nil
}

type treeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

func (g *GitHub) List(ctx context.Context, ref string) ([]string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", g.baseURL, url.PathEscape(g.owner), url.PathEscape(g.repo), url.PathEscape(ref))
	resp, err := g.get(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		return nil, unavailable("list", ref, err)
	}
	var tree treeResponse
	if err := json.Unmarshal(resp.Body, &tree); err != nil {
		return nil, unavailable("list", ref, err)
	}
	if tree.Truncated {
		g.logger.Warn("git tree listing truncated", "repo", g.owner+"/"+g.repo, "ref", ref)
	}
	paths := []string{}
	for _, entry := range tree.Tree {
		if entry.Type == "blob" && frontmatter.IsMarkdown(entry.Path) {
			paths = append(paths, entry.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (g *GitHub) get(ctx context.Context, endpoint, accept string) (retryhttp.Response, error) {
	token, err := g.tokenProvider(ctx)
	if err != nil {
		return retryhttp.Response{}, err
	}
	token = strings.TrimSpace(token)
	return g.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", g.userAgent)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
}
