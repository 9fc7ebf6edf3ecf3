package server

import "net/http"

// HandleGetBalance handles GET /v1/get_balance?user=<id>.
func (h *Handlers) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		writeJSONError(w, "user query parameter is required", http.StatusBadRequest)
		return
	}

	balances, err := h.gw.Ledger.Balance(user)
	if err != nil {
		writeErr(w, err)
		return
	}
	earnings, err := h.gw.Ledger.EarningsByToken(user)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := struct {
		User     string             `json:"user"`
		Balances map[string]string  `json:"balances"`
		Earnings map[string]string  `json:"earnings_by_token"`
	}{
		User:     user,
		Balances: decimalsToStrings(balances),
		Earnings: decimalsToStrings(earnings),
	}
	writeJSON(w, http.StatusOK, out)
}

type decimalStringer interface{ String() string }

func decimalsToStrings[V decimalStringer](in map[string]V) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}
