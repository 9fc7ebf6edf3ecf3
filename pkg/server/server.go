// Package server exposes the gateway's inbound library surface
// (explain_task, explain_custom, list_models, verify_proof, get_balance,
// get_performance_metrics) as JSON-over-HTTP handlers: a struct holding
// the dependencies a handler needs, one HandleXxx(w, r) method per
// operation, and a shared error writer that maps typed error codes to
// HTTP statuses.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/eladmint/ziggurat-gateway/pkg/gateway"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Handlers bundles every dependency the inbound operations need, all
// reached through the single *gateway.Context the process builds once at
// startup.
type Handlers struct {
	gw *gateway.Context
}

// NewHandlers creates Handlers bound to gw.
func NewHandlers(gw *gateway.Context) *Handlers {
	return &Handlers{gw: gw}
}

// Routes registers every handler on mux under the /v1 prefix.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/explain_task", h.HandleExplainTask)
	mux.HandleFunc("/v1/explain_custom", h.HandleExplainCustom)
	mux.HandleFunc("/v1/list_models", h.HandleListModels)
	mux.HandleFunc("/v1/verify_proof", h.HandleVerifyProof)
	mux.HandleFunc("/v1/get_balance", h.HandleGetBalance)
	mux.HandleFunc("/v1/get_performance_metrics", h.HandleGetPerformanceMetrics)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr translates a gateway error into the matching HTTP status and a
// uniform error body. xerrors.Error carries its own Code, which the body
// surfaces alongside the message so callers can branch on it without
// string-matching.
func writeErr(w http.ResponseWriter, err error) {
	xerr, ok := err.(*xerrors.Error)
	if !ok {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := statusForCode(xerr.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"error": xerr.Message,
		"code":  xerr.Code,
	}
	if xerr.Code == xerrors.CodeRateLimited {
		body["retry_after_seconds"] = xerr.RetryAfterSeconds
		body["remaining"] = xerr.Remaining
		body["upgrade_hint"] = xerr.UpgradeHint
	}
	_ = json.NewEncoder(w).Encode(body)
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeUnknownModel, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeMethodUnsupported, xerrors.CodeInputTooLarge, xerrors.CodeBadConfig:
		return http.StatusBadRequest
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeAuthError:
		return http.StatusUnauthorized
	case xerrors.CodeConflict, xerrors.CodeClaimDenied, xerrors.CodeTaskAlreadyFinalized, xerrors.CodeDuplicateReward:
		return http.StatusConflict
	case xerrors.CodeRemoteTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCancelled:
		return 499
	case xerrors.CodeStorageFull, xerrors.CodeServerError, xerrors.CodePrimaryAnchorFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
