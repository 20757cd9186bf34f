package webhook

import (
	"net/http"
	"sort"
	"strings"
)

// ProviderAdapter maps a provider's webhook headers onto a Delivery and
// back.
type ProviderAdapter interface {
	Provider() string
	Delivery(header http.Header, body []byte) Delivery
	Header(d Delivery) http.Header
}

type GitHubAdapter struct{}

func (GitHubAdapter) Provider() string { return "github" }

func (GitHubAdapter) Delivery(header http.Header, body []byte) Delivery {
	return Delivery{
		Body:       body,
		Signature:  header.Get("X-Hub-Signature-256"),
		DeliveryID: header.Get("X-GitHub-Delivery"),
		Event:      header.Get("X-GitHub-Event"),
	}
}

func (GitHubAdapter) Header(d Delivery) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Hub-Signature-256", d.Signature)
	h.Set("X-GitHub-Delivery", d.DeliveryID)
	h.Set("X-GitHub-Event", d.Event)
	return h
}

// GiteaAdapter reads Gitea (and Forgejo) headers. Gitea signs with the same
// HMAC-SHA256 but sends the bare hex digest.
type GiteaAdapter struct{}

func (GiteaAdapter) Provider() string { return "gitea" }

func (GiteaAdapter) Delivery(header http.Header, body []byte) Delivery {
	return Delivery{
		Body:       body,
		Signature:  header.Get("X-Gitea-Signature"),
		DeliveryID: header.Get("X-Gitea-Delivery"),
		Event:      header.Get("X-Gitea-Event"),
	}
}

func (GiteaAdapter) Header(d Delivery) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Gitea-Signature", strings.TrimPrefix(d.Signature, signaturePrefix))
	h.Set("X-Gitea-Delivery", d.DeliveryID)
	h.Set("X-Gitea-Event", d.Event)
	return h
}

var adapters = map[string]ProviderAdapter{
	"github": GitHubAdapter{},
	"gitea":  GiteaAdapter{},
}

// LookupProvider returns the adapter registered under name.
func LookupProvider(name string) (ProviderAdapter, bool) {
	a, ok := adapters[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

func Providers() []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
