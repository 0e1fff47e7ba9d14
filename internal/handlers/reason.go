package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/kernel/internal/config"
)

var reasonClient = &http.Client{Timeout: 10 * time.Second}

// GET /kernel/reason/{node}
// Proxies to the Reasoning Graph service when configured; otherwise serves
// traces from the local file store for dev use.
func handleReasonGet(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node := chi.URLParam(r, "node")
		if node == "" {
			writeError(w, http.StatusBadRequest, "node_required")
			return
		}

		if cfg.ReasoningGraphURL != "" {
			proxyReasonTrace(w, r, cfg.ReasoningGraphURL, node)
			return
		}

		path := filepath.Join("./data/reason", node+".json")
		b, err := os.ReadFile(path)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		var trace interface{}
		if err := json.Unmarshal(b, &trace); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"node":  node,
			"trace": trace,
		})
	}
}

func proxyReasonTrace(w http.ResponseWriter, r *http.Request, base, node string) {
	u := strings.TrimRight(base, "/") + "/reason/" + url.PathEscape(node)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	resp, err := reasonClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "reasoning_graph_unavailable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
