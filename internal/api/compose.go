package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/tokenizer"
	"go.uber.org/zap"
)

type composeRequest struct {
	UserInput string `json:"user_input"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// composeForAgent returns the full result, statuses included, for operators.
func (h *Handler) composeForAgent(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	a.Normalize()

	creq := a.CompositionRequest(req.UserInput)
	creq.MaxTokens = req.MaxTokens
	res, err := h.composer.Compose(r.Context(), creq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type previewRequest struct {
	compose.Request
	Model string `json:"model,omitempty"`
}

type previewResponse struct {
	*compose.Result
	ModelFamily tokenizer.Family `json:"model_family"`
	ExactTokens *int             `json:"exact_tokens,omitempty"`
	Counter     string           `json:"counter,omitempty"`
}

// previewPrompt composes an ad-hoc skill list without a stored agent.
func (h *Handler) previewPrompt(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decode(w, r, &req) {
		return
	}
	creq := req.Request
	if creq.ModelFamily == "" {
		creq.ModelFamily = tokenizer.FamilyForModel(req.Model)
	} else {
		creq.ModelFamily = tokenizer.ParseFamily(string(creq.ModelFamily))
	}

	res, err := h.composer.Compose(r.Context(), creq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := previewResponse{Result: res, ModelFamily: creq.ModelFamily}
	if h.counter != nil && creq.ModelFamily == tokenizer.FamilyOpenAI {
		n, err := h.counter.Count(res.Prompt)
		if err != nil {
			h.logger.Warn("exact token count failed", zap.Error(err))
		} else {
			resp.ExactTokens = &n
			if named, ok := h.counter.(interface{ Name() string }); ok {
				resp.Counter = named.Name()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
