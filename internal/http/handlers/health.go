package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Ready runs every registered check and answers 503 when any fails.
func (api *API) Ready(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(api.checks))
	healthy := true
	for _, check := range api.checks {
		if err := check.Check(r.Context()); err != nil {
			healthy = false
			results[check.Name] = err.Error()
			continue
		}
		results[check.Name] = "ok"
	}

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": label, "checks": results})
}
