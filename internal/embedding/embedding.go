// Package embedding turns routing text into vectors for semantic skill
// routing.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string        `json:"provider"` // "api" or "local"; empty disables semantic routing
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	Dimension int           `json:"dimension"`
	Timeout   time.Duration `json:"timeout"`
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "api":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// dimension caches the vector size seen on the first successful call.
type dimension struct {
	configured int
	seen       atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.seen.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

func (d *dimension) get() int {
	if n := d.seen.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

// postJSON sends body to url and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
