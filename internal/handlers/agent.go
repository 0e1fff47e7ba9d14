package handlers

import (
	"net/http"
	"time"

	"github.com/ILLUVRSE/kernel/internal/audit"
)

// AgentRequest is the instantiation payload for POST /kernel/agent.
type AgentRequest struct {
	TemplateID string                 `json:"templateId"`
	DivisionID string                 `json:"divisionId"`
	Overrides  map[string]interface{} `json:"overrides,omitempty"`
	Requester  string                 `json:"requester,omitempty"`
	Role       string                 `json:"role,omitempty"`
	CodeRef    string                 `json:"codeRef,omitempty"`
}

// AgentProfile is the runtime record returned by GET /kernel/agent/{id}.
type AgentProfile struct {
	ID                 string                 `json:"id"`
	TemplateID         string                 `json:"templateId,omitempty"`
	Role               string                 `json:"role,omitempty"`
	DivisionID         string                 `json:"divisionId,omitempty"`
	CodeRef            string                 `json:"codeRef,omitempty"`
	State              string                 `json:"state,omitempty"`
	ResourceAllocation map[string]interface{} `json:"resourceAllocation,omitempty"`
	LastHeartbeat      *time.Time             `json:"lastHeartbeat,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
	Owner              string                 `json:"owner,omitempty"`
}

// POST /kernel/agent
func handleAgentPost(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AgentRequest
		if err := BindJSON(w, r, &req); err != nil {
			bindError(w, err)
			return
		}
		if req.TemplateID == "" || req.DivisionID == "" {
			writeError(w, http.StatusBadRequest, "template_and_division_required")
			return
		}

		now := time.Now().UTC()
		profile := &AgentProfile{
			ID:         audit.NewUUID(),
			TemplateID: req.TemplateID,
			DivisionID: req.DivisionID,
			Role:       req.Role,
			CodeRef:    req.CodeRef,
			State:      "created",
			CreatedAt:  now,
			UpdatedAt:  now,
			Owner:      req.Requester,
		}
		if req.Overrides != nil {
			profile.ResourceAllocation = req.Overrides
		}

		if err := upsertDoc(r.Context(), d, "agents", profile.ID, profile); err != nil {
			statusForError(w, err)
			return
		}
		ms, err := signResource(r.Context(), d, profile.ID, profile)
		if err != nil {
			statusForError(w, err)
			return
		}

		ev := &audit.AuditEvent{
			EventType: "agent.instantiated",
			Payload: map[string]interface{}{
				"agentId":             profile.ID,
				"templateId":          profile.TemplateID,
				"divisionId":          profile.DivisionID,
				"owner":               profile.Owner,
				"role":                profile.Role,
				"codeRef":             profile.CodeRef,
				"state":               profile.State,
				"manifestSignatureId": ms.ID,
			},
		}
		if err := d.Store.AppendAuditEvent(r.Context(), ev, d.Signer); err != nil {
			statusForError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"agentId": profile.ID,
			"status":  "accepted",
		})
	}
}
