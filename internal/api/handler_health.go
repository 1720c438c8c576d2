package api

import (
	"net/http"

	"metl-sql/internal/sampler"
)

type healthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Protocol string            `json:"upstream_protocol,omitempty"`
	Platform *sampler.Identity `json:"platform,omitempty"`
	Sources  []sampler.Health  `json:"sources,omitempty"`
}

// Healthz reports liveness plus whatever the sampler, prober and gateway
// know. A failed source degrades the status without failing the probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Version: h.version}
	if h.gateway != nil {
		resp.Protocol = h.gateway.Scheme().String()
	}
	if h.platform != nil {
		id := h.platform.Identity()
		resp.Platform = &id
	}
	if h.sampler != nil {
		resp.Sources = h.sampler.Health()
		for _, src := range resp.Sources {
			if src.Error != "" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
