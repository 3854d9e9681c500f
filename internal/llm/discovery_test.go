package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func modelServer(t *testing.T, hits *atomic.Int32, ids ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/models", r.URL.Path)
		data := make([]map[string]string, len(ids))
		for i, id := range ids {
			data[i] = map[string]string{"id": id}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoveryCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits, "qwen-coder", "llama-8b")

	clk := &fakeClock{now: time.Now()}
	d := NewDiscoverer(time.Minute, 5*time.Second)
	d.clock = clk

	d.Discover(context.Background(), []string{srv.URL})
	d.Discover(context.Background(), []string{srv.URL})
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, d.Available(srv.URL, "qwen-coder"))
	assert.False(t, d.Available(srv.URL, "gpt-x"))

	// Past the TTL the endpoint is queried again.
	clk.now = clk.now.Add(2 * time.Minute)
	assert.False(t, d.Available(srv.URL, "qwen-coder"))
	d.Discover(context.Background(), []string{srv.URL})
	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, d.Available(srv.URL, "qwen-coder"))
}

func TestDiscoveryToleratesDeadEndpoint(t *testing.T) {
	var hits atomic.Int32
	live := modelServer(t, &hits, "qwen-coder")
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	d := NewDiscoverer(time.Minute, 5*time.Second)
	d.Discover(context.Background(), []string{live.URL, dead.URL})

	assert.True(t, d.Available(live.URL, "qwen-coder"))
	assert.False(t, d.Available(dead.URL, "qwen-coder"))
}

func TestModelForPrefersRoleAssignment(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits, "qwen-coder", "small-model")

	d := NewDiscoverer(time.Minute, 5*time.Second)
	r := NewRouter([]string{srv.URL}, map[string][]Assignment{
		"coding":  {{Model: "qwen-coder"}},
		"default": {{Model: "small-model"}},
	}, d)

	target, err := r.ModelFor(context.Background(), "coding")
	require.NoError(t, err)
	assert.Equal(t, "qwen-coder", target.Model)
	assert.Equal(t, srv.URL, target.ServerURL)
}

func TestModelForFallsBackThroughCandidates(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, &hits, "small-model")

	d := NewDiscoverer(time.Minute, 5*time.Second)
	r := NewRouter([]string{srv.URL}, map[string][]Assignment{
		"coding":  {{Model: "qwen-coder"}}, // not served
		"default": {{Model: "small-model"}},
	}, d)

	target, err := r.ModelFor(context.Background(), "coding")
	require.NoError(t, err)
	assert.Equal(t, "small-model", target.Model)
}

func TestModelForPinnedServer(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	a := modelServer(t, &hitsA, "shared-model")
	b := modelServer(t, &hitsB, "shared-model")

	d := NewDiscoverer(time.Minute, 5*time.Second)
	r := NewRouter([]string{a.URL, b.URL}, map[string][]Assignment{
		"qa": {{Model: "shared-model", ServerURL: b.URL}},
	}, d)

	target, err := r.ModelFor(context.Background(), "qa")
	require.NoError(t, err)
	assert.Equal(t, b.URL, target.ServerURL)
}

func TestModelForNoCandidates(t *testing.T) {
	d := NewDiscoverer(time.Minute, 5*time.Second)
	r := NewRouter(nil, map[string][]Assignment{}, d)

	_, err := r.ModelFor(context.Background(), "planning")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model assignment")
}
