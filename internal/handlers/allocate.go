package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ILLUVRSE/kernel/internal/audit"
)

// AllocationRequest is the request model for POST /kernel/allocate.
type AllocationRequest struct {
	ID         string    `json:"id,omitempty"`
	DivisionID string    `json:"divisionId"`
	CPU        int       `json:"cpu,omitempty"`
	GPU        int       `json:"gpu,omitempty"`
	MemoryMB   int       `json:"memoryMB,omitempty"`
	Requester  string    `json:"requester,omitempty"`
	Status     string    `json:"status,omitempty"` // pending|applied|rejected
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// POST /kernel/allocate
// Persists the allocation request and emits an allocation.requested event.
func handleAllocatePost(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AllocationRequest
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.DivisionID == "" {
			writeError(w, http.StatusBadRequest, "division_required")
			return
		}
		if req.CPU < 0 || req.GPU < 0 || req.MemoryMB < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input")
			return
		}

		if req.ID == "" {
			req.ID = audit.NewUUID()
		}
		now := time.Now().UTC()
		if req.CreatedAt.IsZero() {
			req.CreatedAt = now
		}
		req.UpdatedAt = now
		if req.Status == "" {
			req.Status = "pending"
		}

		if err := persistAllocation(r.Context(), d, &req); err != nil {
			statusForError(w, err)
			return
		}
		ms, err := signResource(r.Context(), d, req.ID, &req)
		if err != nil {
			statusForError(w, err)
			return
		}

		ev := &audit.AuditEvent{
			EventType: "allocation.requested",
			Payload: map[string]interface{}{
				"allocationId":        req.ID,
				"divisionId":          req.DivisionID,
				"cpu":                 req.CPU,
				"gpu":                 req.GPU,
				"memoryMB":            req.MemoryMB,
				"requester":           req.Requester,
				"status":              req.Status,
				"reason":              req.Reason,
				"manifestSignatureId": ms.ID,
			},
		}
		if err := d.Store.AppendAuditEvent(r.Context(), ev, d.Signer); err != nil {
			statusForError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"allocationId": req.ID,
			"status":       req.Status,
		})
	}
}

func persistAllocation(ctx context.Context, d Deps, a *AllocationRequest) error {
	if d.DB == nil {
		return writeDocFile("allocations", a.ID, a)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	q := `
		INSERT INTO allocations (id, division_id, cpu, gpu, memory_mb, requester, status, reason, created_at, updated_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET cpu = EXCLUDED.cpu, gpu = EXCLUDED.gpu, memory_mb = EXCLUDED.memory_mb,
			requester = EXCLUDED.requester, status = EXCLUDED.status, reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload
	`
	_, err = d.DB.ExecContext(ctx, q,
		a.ID, a.DivisionID, a.CPU, a.GPU, a.MemoryMB, a.Requester,
		a.Status, a.Reason, a.CreatedAt, a.UpdatedAt, payload,
	)
	return err
}
