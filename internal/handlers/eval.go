package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ILLUVRSE/kernel/internal/audit"
)

// EvalReport is the ingestion model for POST /kernel/eval.
type EvalReport struct {
	ID        string                 `json:"id,omitempty"`
	AgentID   string                 `json:"agentId"`
	MetricSet map[string]interface{} `json:"metricSet"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Source    string                 `json:"source,omitempty"`
}

// POST /kernel/eval
func handleEvalPost(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EvalReport
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.AgentID == "" || req.MetricSet == nil {
			writeError(w, http.StatusBadRequest, "agent_and_metrics_required")
			return
		}
		if req.ID == "" {
			req.ID = audit.NewUUID()
		}
		if req.Timestamp == nil {
			now := time.Now().UTC()
			req.Timestamp = &now
		}

		if err := persistEval(r.Context(), d, &req); err != nil {
			statusForError(w, err)
			return
		}
		ms, err := signResource(r.Context(), d, req.ID, &req)
		if err != nil {
			statusForError(w, err)
			return
		}

		ev := &audit.AuditEvent{
			EventType: "eval.submitted",
			Payload: map[string]interface{}{
				"evalId":              req.ID,
				"agentId":             req.AgentID,
				"metricSet":           req.MetricSet,
				"timestamp":           req.Timestamp,
				"source":              req.Source,
				"manifestSignatureId": ms.ID,
			},
		}
		if err := d.Store.AppendAuditEvent(r.Context(), ev, d.Signer); err != nil {
			statusForError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"evalId": req.ID})
	}
}

func persistEval(ctx context.Context, d Deps, rp *EvalReport) error {
	if d.DB == nil {
		return writeDocFile("evals", rp.ID, rp)
	}
	payload, err := json.Marshal(rp.MetricSet)
	if err != nil {
		return err
	}
	q := `
		INSERT INTO eval_reports (id, agent_id, metric_set, ts, source)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO UPDATE SET metric_set = EXCLUDED.metric_set, ts = EXCLUDED.ts, source = EXCLUDED.source
	`
	_, err = d.DB.ExecContext(ctx, q, rp.ID, rp.AgentID, payload, rp.Timestamp, rp.Source)
	return err
}
