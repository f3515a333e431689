package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/provider"
	"github.com/nidhogg/ipagent/internal/skill"
	"go.uber.org/zap"
)

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	a.Normalize()
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if !decode(w, r, &a) {
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = agent.StatusActive
	h.saveAgent(w, r, &a, http.StatusCreated)
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.agents.GetAgent(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	var a agent.Agent
	if !decode(w, r, &a) {
		return
	}
	a.ID = id
	a.Status = agent.StatusActive
	h.saveAgent(w, r, &a, http.StatusOK)
}

func (h *Handler) saveAgent(w http.ResponseWriter, r *http.Request, a *agent.Agent, status int) {
	if err := h.agents.SaveAgent(r.Context(), a); err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.agents.GetAgent(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, saved)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agents.DeleteAgent(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(agent.StatusDeleted)})
}

type chatRequest struct {
	Message string `json:"message"`
}

// chatWithAgent is the end-user surface: failures carry a generic message and
// never the composer's per-skill detail.
func (h *Handler) chatWithAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	result, err := h.engine.Execute(r.Context(), id, req.Message)
	if err != nil {
		var apiErr *provider.APIError
		switch {
		case errors.Is(err, skill.ErrRepositoryUnavailable), errors.Is(err, agent.ErrAgentNotFound):
			h.writeError(w, r, err)
		case errors.Is(err, provider.ErrNoProvider), errors.As(err, &apiErr):
			h.logger.Warn("provider call failed", zap.String("agent_id", id), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "model provider error"})
		default:
			h.writeError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}
