package api

import (
	"net/http"

	"peertube-live/internal/models"
)

type liveConfigResponse struct {
	Live models.LivePolicy `json:"live"`
}

// liveConfigPatch changes only the fields present. A negative maximum
// disables that quota.
type liveConfigPatch struct {
	Live struct {
		Enabled          *bool `json:"enabled"`
		MaxInstanceLives *int  `json:"maxInstanceLives"`
		MaxUserLives     *int  `json:"maxUserLives"`
		AllowReplay      *bool `json:"allowReplay"`
	} `json:"live"`
}

func (p liveConfigPatch) apply(current models.LivePolicy) models.LivePolicy {
	next := current
	if p.Live.Enabled != nil {
		next.Enabled = *p.Live.Enabled
	}
	if p.Live.AllowReplay != nil {
		next.AllowReplay = *p.Live.AllowReplay
	}
	if p.Live.MaxInstanceLives != nil {
		next.MaxInstanceLives = normalizeQuota(*p.Live.MaxInstanceLives)
	}
	if p.Live.MaxUserLives != nil {
		next.MaxUserLives = normalizeQuota(*p.Live.MaxUserLives)
	}
	return next
}

func normalizeQuota(value int) int {
	if value < 0 {
		return -1
	}
	return value
}

// GetLiveConfig handles GET /api/v1/config/live.
func (h *Handler) GetLiveConfig(w http.ResponseWriter, r *http.Request) {
	current, err := h.Policies.Get(r.Context())
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, liveConfigResponse{Live: current})
}

// UpdateLiveConfig handles PUT /api/v1/config/live. Running sessions are
// never terminated by a policy change.
func (h *Handler) UpdateLiveConfig(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var patch liveConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	current, err := h.Policies.Get(r.Context())
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	next := patch.apply(current)
	if err := h.Policies.Update(r.Context(), next); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	h.requestLogger(r).Info("live policy updated",
		"user_id", identity.UserID,
		"enabled", next.Enabled,
		"max_instance_lives", next.MaxInstanceLives,
		"max_user_lives", next.MaxUserLives,
		"allow_replay", next.AllowReplay)
	writeJSON(w, http.StatusOK, liveConfigResponse{Live: next})
}
