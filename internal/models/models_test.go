package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama keeps a loaded set that /api/generate mutates.
type fakeOllama struct {
	mu     sync.Mutex
	loaded map[string]bool
	sticky bool
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/api/tags":
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"nomic-embed-text"}]}`))
	case "/api/ps":
		var models []Loaded
		for name := range f.loaded {
			models = append(models, Loaded{Name: name, Size: 1})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	case "/api/generate":
		var body struct {
			Model     string `json:"model"`
			KeepAlive int    `json:"keep_alive"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.KeepAlive == 0 && !f.sticky {
			delete(f.loaded, body.Model)
		} else if body.KeepAlive != 0 {
			f.loaded[body.Model] = true
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFake(t *testing.T) (*fakeOllama, *Ollama) {
	t.Helper()
	f := &fakeOllama{loaded: map[string]bool{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	o := NewOllama(srv.URL + "/")
	o.pollInterval = time.Millisecond
	o.unloadWait = 50 * time.Millisecond
	return f, o
}

func TestInstalledSkipsEmbeddingModels(t *testing.T) {
	_, o := newFake(t)
	names, err := o.Installed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:3b"}, names)
}

func TestPreloadAndUnload(t *testing.T) {
	_, o := newFake(t)
	ctx := context.Background()

	require.NoError(t, o.Preload(ctx, "llama3.2:3b"))
	loaded, err := o.Loaded(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "llama3.2:3b", loaded[0].Name)

	require.NoError(t, o.Unload(ctx, "llama3.2:3b"))
	loaded, err = o.Loaded(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestUnloadAll(t *testing.T) {
	_, o := newFake(t)
	ctx := context.Background()
	require.NoError(t, o.Preload(ctx, "a"))
	require.NoError(t, o.Preload(ctx, "b"))

	require.NoError(t, o.UnloadAll(ctx))
	loaded, _ := o.Loaded(ctx)
	assert.Empty(t, loaded)
}

func TestUnloadTimesOut(t *testing.T) {
	f, o := newFake(t)
	ctx := context.Background()
	require.NoError(t, o.Preload(ctx, "a"))
	f.mu.Lock()
	f.sticky = true
	f.mu.Unlock()

	err := o.Unload(ctx, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still loaded")
}

func TestPreloadStatusError(t *testing.T) {
	_, o := newFake(t)
	assert.Error(t, o.Preload(context.Background(), ""))
}
