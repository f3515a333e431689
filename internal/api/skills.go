package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nidhogg/ipagent/internal/skill"
	"go.uber.org/zap"
)

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := h.skills.ListSkills(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	s, err := h.skills.GetSkill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// skillBody tells an absent priority apart from an explicit 0.
type skillBody struct {
	skill.Skill
	Priority *int `json:"priority"`
}

func (b *skillBody) build(fallback int) *skill.Skill {
	s := b.Skill
	s.Priority = fallback
	if b.Priority != nil {
		s.Priority = *b.Priority
	}
	return &s
}

func (h *Handler) createSkill(w http.ResponseWriter, r *http.Request) {
	var body skillBody
	if !decode(w, r, &body) {
		return
	}
	s := body.build(skill.PriorityDefault)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	h.saveSkill(w, r, s, http.StatusCreated)
}

// updateSkill keeps the stored priority when the body omits it.
func (h *Handler) updateSkill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.skills.GetSkill(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body skillBody
	if !decode(w, r, &body) {
		return
	}
	s := body.build(existing.Priority)
	s.ID = id
	h.saveSkill(w, r, s, http.StatusOK)
}

// saveSkill rejects templates that do not parse under the composer's filter
// set, so a broken skill never reaches the render path.
func (h *Handler) saveSkill(w http.ResponseWriter, r *http.Request, s *skill.Skill, status int) {
	if s.Status == "" {
		s.Status = skill.StatusEnabled
	}
	tmpl, err := h.composer.Renderer().Parse(s.Template)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: template: %v", skill.ErrInvalid, err))
		return
	}
	if len(s.Variables) == 0 {
		s.Variables = tmpl.Variables()
	}
	if err := h.skills.SaveSkill(r.Context(), s); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, s.ID)

	saved, err := h.skills.GetSkill(r.Context(), s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, saved)
}

func (h *Handler) setSkillStatus(status skill.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := h.skills.SetSkillStatus(r.Context(), id, status); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.invalidate(r, id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}

// invalidate is best effort: a stale entry expires with its TTL.
func (h *Handler) invalidate(r *http.Request, id string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(r.Context(), id); err != nil {
		h.logger.Warn("skill cache invalidation failed", zap.String("skill_id", id), zap.Error(err))
	}
}
