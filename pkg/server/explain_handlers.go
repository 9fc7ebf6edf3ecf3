package server

import (
	"encoding/json"
	"net/http"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/explain"
	"github.com/eladmint/ziggurat-gateway/pkg/task"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// explainTaskRequest is the explain_task request body: a marketplace task
// resolved end to end through the Task Bridge's state machine.
type explainTaskRequest struct {
	TaskID                 string                 `json:"task_id"`
	AgentID                string                 `json:"agent_id"`
	Tier                   string                 `json:"tier"`
	Method                 string                 `json:"method"`
	ModelID                string                 `json:"model_id"`
	Complexity             string                 `json:"complexity"`
	Input                  map[string]interface{} `json:"input"`
	IncludeCounterfactuals int                    `json:"include_counterfactuals"`
	IncludeDecisionPath    bool                   `json:"include_decision_path"`
	Verify                 bool                   `json:"verify"`
	SecondaryChains        []string               `json:"secondary_chains"`
}

// HandleExplainTask handles POST /v1/explain_task.
func (h *Handlers) HandleExplainTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req explainTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.AgentID == "" {
		writeJSONError(w, "task_id and agent_id are required", http.StatusBadRequest)
		return
	}

	opts := task.ProcessOptions{
		Method:                 types.Method(req.Method),
		ModelID:                req.ModelID,
		Tier:                   types.Tier(req.Tier),
		Complexity:             types.Complexity(req.Complexity),
		IncludeCounterfactuals: req.IncludeCounterfactuals,
		IncludeDecisionPath:    req.IncludeDecisionPath,
		Verify:                 req.Verify,
	}
	if req.Verify {
		primary, ok := h.gw.Chains[types.Network(h.gw.Config.PrimaryChain)]
		if !ok {
			writeJSONError(w, "no chain client configured for primary chain", http.StatusInternalServerError)
			return
		}
		opts.PrimaryChain = primary
		opts.SecondaryChains = h.resolveSecondaryChains(req.SecondaryChains)
	}

	rec, err := h.gw.Tasks.ProcessExplainableTask(r.Context(), req.TaskID, req.AgentID, req.Input, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// resolveSecondaryChains maps requested network names to configured Chain
// clients, falling back to the gateway's configured secondary chains when
// names is empty.
func (h *Handlers) resolveSecondaryChains(names []string) []chainclient.Chain {
	if len(names) == 0 {
		names = h.gw.Config.SecondaryChains
	}
	out := make([]chainclient.Chain, 0, len(names))
	for _, name := range names {
		if c, ok := h.gw.Chains[types.Network(name)]; ok {
			out = append(out, c)
		}
	}
	return out
}

// explainCustomRequest is the explain_custom request body: a one-off
// explanation outside the marketplace task lifecycle, billed directly
// against the caller's AI-usage ledger entry.
type explainCustomRequest struct {
	AgentID                string                 `json:"agent_id"`
	Method                 string                 `json:"method"`
	ModelID                string                 `json:"model_id"`
	Input                  map[string]interface{} `json:"input"`
	IncludeCounterfactuals int                    `json:"include_counterfactuals"`
	IncludeDecisionPath    bool                   `json:"include_decision_path"`
}

// HandleExplainCustom handles POST /v1/explain_custom.
func (h *Handlers) HandleExplainCustom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req explainCustomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		writeJSONError(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	exp, err := h.gw.Engine.Explain(r.Context(), req.Input, types.Method(req.Method), req.ModelID, explain.Options{
		IncludeCounterfactuals: req.IncludeCounterfactuals,
		IncludeDecisionPath:    req.IncludeDecisionPath,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if _, err := h.gw.Ledger.RecordAIUsage(req.AgentID, exp.CostCycles, exp.MethodUsed, exp.RequestID); err != nil && !xerrors.Is(err, xerrors.CodeDuplicateReward) {
		h.gw.Logger.Printf("explain_custom: failed to record AI usage for request %s: %v", exp.RequestID, err)
	}

	writeJSON(w, http.StatusOK, exp)
}
