package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forgeloop/internal/logging"
)

// DefaultDiscoveryTTL bounds how long a cached model list is trusted.
const DefaultDiscoveryTTL = 5 * time.Minute

// Discoverer queries OpenAI-compatible endpoints for their model lists
// and caches availability with a TTL.
type Discoverer struct {
	httpClient *http.Client
	ttl        time.Duration
	clock      clock

	mu    sync.Mutex
	cache map[string]discoveryEntry
}

type discoveryEntry struct {
	models  map[string]bool
	fetched time.Time
	err     error
}

// NewDiscoverer creates a discoverer with the given cache TTL.
func NewDiscoverer(ttl time.Duration, timeout time.Duration) *Discoverer {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &Discoverer{
		httpClient: &http.Client{Timeout: timeout},
		ttl:        ttl,
		clock:      realClock{},
		cache:      make(map[string]discoveryEntry),
	}
}

// Discover refreshes the model lists of every endpoint whose cache
// entry is stale. Endpoints are queried concurrently; per-endpoint
// failures are cached as empty availability rather than failing the
// whole sweep.
func (d *Discoverer) Discover(ctx context.Context, endpoints []string) {
	var stale []string
	now := d.clock.Now()

	d.mu.Lock()
	for _, ep := range endpoints {
		entry, ok := d.cache[ep]
		if !ok || now.Sub(entry.fetched) >= d.ttl {
			stale = append(stale, ep)
		}
	}
	d.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range stale {
		ep := ep
		g.Go(func() error {
			models, err := d.fetchModels(ctx, ep)
			d.mu.Lock()
			d.cache[ep] = discoveryEntry{models: models, fetched: d.clock.Now(), err: err}
			d.mu.Unlock()
			if err != nil {
				logging.LLMWarn("model discovery failed for %s: %v", ep, err)
			} else {
				logging.LLM("discovered %d models at %s", len(models), ep)
			}
			return nil
		})
	}
	g.Wait()
}

func (d *Discoverer) fetchModels(ctx context.Context, endpoint string) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(endpoint, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("invalid model list: %w", err)
	}
	models := make(map[string]bool, len(list.Data))
	for _, m := range list.Data {
		models[m.ID] = true
	}
	return models, nil
}

// Available reports whether an endpoint currently serves a model, per
// the cached discovery data.
func (d *Discoverer) Available(endpoint, model string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache[endpoint]
	if !ok || d.clock.Now().Sub(entry.fetched) >= d.ttl {
		return false
	}
	return entry.models[model]
}

// serving returns every cached endpoint that serves the model.
func (d *Discoverer) serving(model string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	now := d.clock.Now()
	for ep, entry := range d.cache {
		if now.Sub(entry.fetched) < d.ttl && entry.models[model] {
			out = append(out, ep)
		}
	}
	return out
}

// Assignment binds a candidate model to an optional specific server.
// An empty ServerURL means any endpoint serving the model qualifies.
type Assignment struct {
	Model     string
	ServerURL string
}

// Router resolves phase roles to request targets.
type Router struct {
	endpoints   []string
	assignments map[string][]Assignment
	discoverer  *Discoverer
}

// NewRouter builds a router over the configured endpoints and the
// role to model-candidate mapping. The "default" role is the fallback
// chain for any unmapped role.
func NewRouter(endpoints []string, assignments map[string][]Assignment, d *Discoverer) *Router {
	return &Router{endpoints: endpoints, assignments: assignments, discoverer: d}
}

// ModelFor resolves a role to the first available (server, model) pair,
// walking the role's candidate list in order and falling back to the
// "default" role's list.
func (r *Router) ModelFor(ctx context.Context, role string) (Target, error) {
	r.discoverer.Discover(ctx, r.endpoints)

	candidates := r.assignments[role]
	if fallback, ok := r.assignments["default"]; ok && role != "default" {
		candidates = append(append([]Assignment{}, candidates...), fallback...)
	}
	if len(candidates) == 0 {
		return Target{}, fmt.Errorf("no model assignment for role %q and no default", role)
	}

	for _, a := range candidates {
		if a.ServerURL != "" {
			if r.discoverer.Available(a.ServerURL, a.Model) {
				return Target{ServerURL: a.ServerURL, Model: a.Model}, nil
			}
			continue
		}
		if eps := r.discoverer.serving(a.Model); len(eps) > 0 {
			return Target{ServerURL: eps[0], Model: a.Model}, nil
		}
	}
	return Target{}, fmt.Errorf("no configured endpoint serves any candidate model for role %q", role)
}
