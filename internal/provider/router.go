package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when neither the requested nor the default
// provider is registered.
var ErrNoProvider = errors.New("no provider available")

// Recorder receives per-call LLM metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int)
}

// Router holds the registered providers and picks one per call.
type Router struct {
	providers map[string]Provider
	fallbacks []string
	defaults  string
	metrics   Recorder
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router. rec may be nil.
func NewRouter(rec Recorder, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		metrics:   rec,
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the provider used when an agent names none.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried, in order, when the primary
// one fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), providerIDs...)
}

// Route sends req to providerID, or to the default provider when it is
// empty or unknown, then walks the fallback chain on failure.
func (r *Router) Route(ctx context.Context, providerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.pick(providerID)
	fallbacks := make([]Provider, 0, len(r.fallbacks))
	for _, id := range r.fallbacks {
		if p, ok := r.providers[id]; ok && (primary == nil || p.ID() != primary.ID()) {
			fallbacks = append(fallbacks, p)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, providerID)
	}

	resp, err := r.call(ctx, primary, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range fallbacks {
		resp, err = r.call(ctx, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed: %w", err)
}

func (r *Router) call(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if r.metrics != nil {
		if err != nil {
			r.metrics.RecordLLMRequest(p.ID(), req.Model, "error", 0, 0)
		} else {
			r.metrics.RecordLLMRequest(p.ID(), req.Model, "success", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
	}
	return resp, err
}

func (r *Router) pick(providerID string) Provider {
	if p, ok := r.providers[providerID]; ok {
		return p
	}
	if providerID != "" {
		r.logger.Warn("unknown provider, using default", zap.String("provider", providerID))
	}
	return r.providers[r.defaults]
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers sorted by ID.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}
