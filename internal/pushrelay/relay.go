// Package pushrelay turns changes in a local governance checkout into
// signed push deliveries for a govsync webhook endpoint. It keeps a
// content-hash snapshot on disk so a restart only relays what changed
// while it was down.
package pushrelay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/retryhttp"
	"github.com/agentworkforce/govsync/internal/source"
	"github.com/agentworkforce/govsync/internal/webhook"
)

const defaultStateFile = ".govsync-relay-state.json"

type Options struct {
	// Endpoint is the govsync base URL, e.g. http://127.0.0.1:8080.
	Endpoint  string
	Provider  string
	Secret    string
	LocalRoot string
	StateFile string
	Branch    string
	// Repository is reported as repository.full_name.
	Repository string
	Client     *retryhttp.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Relay posts push events for one checkout. Calls are serialised.
type Relay struct {
	endpoint   string
	adapter    webhook.ProviderAdapter
	secret     []byte
	local      *source.Local
	stateFile  string
	branch     string
	repository string
	client     *retryhttp.Client
	clock      clock.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	state  relayState
	loaded bool
}

type relayState struct {
	// Files maps a slash path to the sha256 of the content last relayed.
	Files      map[string]string `json:"files"`
	LastCommit string            `json:"lastCommit,omitempty"`
}

// Outcome describes one relayed delivery.
type Outcome struct {
	DeliveryID string         `json:"deliveryId"`
	Commit     string         `json:"commit"`
	Added      []string       `json:"added,omitempty"`
	Modified   []string       `json:"modified,omitempty"`
	Removed    []string       `json:"removed,omitempty"`
	Result     webhook.Result `json:"result"`
}

func (o Outcome) Empty() bool {
	return len(o.Added) == 0 && len(o.Modified) == 0 && len(o.Removed) == 0
}

func New(opts Options) (*Relay, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = "github"
	}
	adapter, ok := webhook.LookupProvider(provider)
	if !ok {
		return nil, fmt.Errorf("unknown webhook provider %q", provider)
	}
	localRoot := strings.TrimSpace(opts.LocalRoot)
	if localRoot == "" {
		return nil, fmt.Errorf("local root is required")
	}
	local, err := source.NewLocal(localRoot)
	if err != nil {
		return nil, err
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(local.Root(), defaultStateFile)
	}
	branch := strings.TrimPrefix(strings.TrimSpace(opts.Branch), "refs/heads/")
	if branch == "" {
		branch = "main"
	}
	client := opts.Client
	if client == nil {
		client = retryhttp.New(retryhttp.Options{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		endpoint:   endpoint,
		adapter:    adapter,
		secret:     []byte(opts.Secret),
		local:      local,
		stateFile:  stateFile,
		branch:     branch,
		repository: strings.TrimSpace(opts.Repository),
		client:     client,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger,
		state:      relayState{Files: map[string]string{}},
	}, nil
}

// ScanOnce compares the checkout against the last relayed snapshot and
// posts one push for the difference. Nothing is sent when the tree is
// unchanged.
func (r *Relay) ScanOnce(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadState(); err != nil {
		return Outcome{}, err
	}
	paths, err := r.local.List(ctx, r.branch)
	if err != nil {
		return Outcome{}, err
	}
	current := make(map[string]string, len(paths))
	for _, p := range paths {
		sum, err := r.hashFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Outcome{}, err
		}
		current[p] = sum
	}
	var removed []string
	for p := range r.state.Files {
		if _, ok := current[p]; !ok {
			removed = append(removed, p)
		}
	}
	return r.relay(ctx, current, removed)
}

// Send relays a change set produced by a source.Watcher. Changed paths
// are re-hashed so the snapshot matches what was announced.
func (r *Relay) Send(ctx context.Context, set source.ChangeSet) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadState(); err != nil {
		return Outcome{}, err
	}
	current := make(map[string]string, len(set.Changed))
	removed := append([]string(nil), set.Deleted...)
	for _, p := range set.Changed {
		sum, err := r.hashFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				removed = append(removed, p)
				continue
			}
			return Outcome{}, err
		}
		current[p] = sum
	}
	return r.relay(ctx, current, removed)
}

// relay diffs current against the snapshot, posts the push and commits
// the snapshot only once the endpoint has answered 2xx.
func (r *Relay) relay(ctx context.Context, current map[string]string, removed []string) (Outcome, error) {
	out := Outcome{}
	for p, sum := range current {
		prev, known := r.state.Files[p]
		switch {
		case !known:
			out.Added = append(out.Added, p)
		case prev != sum:
			out.Modified = append(out.Modified, p)
		}
	}
	for _, p := range removed {
		if _, known := r.state.Files[p]; known {
			out.Removed = append(out.Removed, p)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Modified)
	sort.Strings(out.Removed)
	if out.Empty() {
		return out, nil
	}

	out.Commit = r.commitID(current, out.Removed)
	out.DeliveryID = uuid.NewString()
	body, err := json.Marshal(webhook.PushEvent{
		Ref:    "refs/heads/" + r.branch,
		Before: r.state.LastCommit,
		After:  out.Commit,
		Repository: webhook.PushRepo{
			FullName:      r.repository,
			DefaultBranch: r.branch,
		},
		Commits: []webhook.PushCommit{{
			ID:       out.Commit,
			Message:  "local checkout change",
			Added:    out.Added,
			Modified: out.Modified,
			Removed:  out.Removed,
		}},
	})
	if err != nil {
		return Outcome{}, err
	}
	header := r.adapter.Header(webhook.Delivery{
		Signature:  webhook.Sign(r.secret, body),
		DeliveryID: out.DeliveryID,
		Event:      "push",
	})
	url := r.endpoint + "/v1/webhooks/" + r.adapter.Provider()
	resp, err := r.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = header.Clone()
		return req, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("relay push %s: %w", out.DeliveryID, err)
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out.Result); err != nil {
			r.logger.Warn("relay response is not a webhook result", "delivery", out.DeliveryID, "error", err)
		}
	}

	for _, p := range append(append([]string(nil), out.Added...), out.Modified...) {
		r.state.Files[p] = current[p]
	}
	for _, p := range out.Removed {
		delete(r.state.Files, p)
	}
	r.state.LastCommit = out.Commit
	if err := r.saveState(); err != nil {
		return out, err
	}
	r.logger.Info("relayed push",
		"delivery", out.DeliveryID,
		"commit", out.Commit,
		"added", len(out.Added),
		"modified", len(out.Modified),
		"removed", len(out.Removed),
		"outcome", out.Result.Outcome,
	)
	return out, nil
}

// commitID derives a stable pseudo commit id from the previous commit and
// the announced content.
func (r *Relay) commitID(current map[string]string, removed []string) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\n%d\n", r.state.LastCommit, r.clock.Now().UnixNano())
	keys := make([]string, 0, len(current))
	for p := range current {
		keys = append(keys, p)
	}
	sort.Strings(keys)
	for _, p := range keys {
		_, _ = fmt.Fprintf(h, "M %s %s\n", p, current[p])
	}
	for _, p := range removed {
		_, _ = fmt.Fprintf(h, "D %s\n", p)
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func (r *Relay) hashFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.local.Root(), filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Relay) loadState() error {
	if r.loaded {
		return nil
	}
	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.loaded = true
			return nil
		}
		return err
	}
	var state relayState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode relay state %s: %w", r.stateFile, err)
	}
	if state.Files == nil {
		state.Files = map[string]string{}
	}
	r.state = state
	r.loaded = true
	return nil
}

func (r *Relay) saveState() error {
	data, err := json.Marshal(r.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(r.stateFile, bytes.NewReader(data))
}
