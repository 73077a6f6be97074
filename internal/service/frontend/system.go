package frontend

import (
	"net/http"
	"time"

	"github.com/acto-org/acto/internal/build"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int    `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// health reports liveness, the build version, and seconds since start.
func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Version:   build.Version,
		Uptime:    int(time.Since(a.startedAt).Seconds()),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// listModels returns the model catalog and the configured default.
func (a *API) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":        a.models.Models(),
		"default_model": a.models.DefaultModel(),
	})
}

// listAgents returns the registered agent types.
func (a *API) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": a.agents.Infos(),
	})
}
