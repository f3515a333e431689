package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIProviderEmbed(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req apiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// Reply out of order; the provider must reorder by index.
		resp := apiResponse{Data: []apiEmbeddingData{
			{Index: 1, Embedding: []float32{0, 1, 0}},
			{Index: 0, Embedding: []float32{1, 0, 0}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "text-embedding-3-small", APIKey: "sk-test", Dimension: 8})
	assert.Equal(t, 8, p.Dimension())

	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0}, vecs[1])
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, 3, p.Dimension())
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 128})

	vectors, err := p.Embed(context.Background(), []string{})
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestAPIProviderEmbed_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m", Dimension: 4})
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, 4, p.Dimension())
}

func TestAPIProviderEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m"})
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

func TestLocalProviderEmbed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var req localRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls++
		_ = json.NewEncoder(w).Encode(localResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic-embed-text"})
	vecs, err := p.Embed(context.Background(), []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, vecs)
	assert.Equal(t, 2, p.Dimension())
}

func TestLocalProviderEmbed_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(localResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalProvider(Config{Endpoint: srv.URL}).Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	p, err := New(Config{Provider: "api", Endpoint: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &APIProvider{}, p)

	p, err = New(Config{Provider: "local", Endpoint: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p)

	_, err = New(Config{Provider: "faiss"})
	require.Error(t, err)
}
