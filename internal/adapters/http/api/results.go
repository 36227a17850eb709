package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/model"
)

// ResultsHandler serves recently finalized encounters in their wire shape.
type ResultsHandler struct {
	deps     ResultsReader
	maxLimit int
}

// NewResultsHandler creates a new results handler.
func NewResultsHandler(deps ResultsReader, maxLimit int) *ResultsHandler {
	if maxLimit <= 0 {
		maxLimit = defaultMaxResults
	}
	return &ResultsHandler{
		deps:     deps,
		maxLimit: maxLimit,
	}
}

// HandleGetResults handles GET /results?limit=N requests. Without a limit
// the whole history is returned, newest first.
func (h *ResultsHandler) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_results"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	n := h.maxLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
			return
		}
		if v > h.maxLimit {
			writeError(w, http.StatusBadRequest, "limit_exceeded", NewKind(op, ErrBadRequest))
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, toMessages(h.deps.Recent(n)))
}

// HandleGetResult handles GET /results/{encounter_id} requests.
func (h *ResultsHandler) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_result"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/results/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	if res, ok := h.deps.Result(id); ok {
		writeJSON(w, http.StatusOK, wire.FromResult(&res))
		return
	}
	writeError(w, http.StatusNotFound, "not_found", NewKind(op, ErrNotFound))
}

func toMessages(results []model.Result) []*wire.ResultMessage {
	out := make([]*wire.ResultMessage, 0, len(results))
	for i := range results {
		out = append(out, wire.FromResult(&results[i]))
	}
	return out
}
