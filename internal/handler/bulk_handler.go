package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ledger-engine/internal/errors"
	"ledger-engine/internal/importer"
	"ledger-engine/internal/service"
)

const maxBatchRows = 1000

type BulkHandler struct {
	importer     *importer.Importer
	queryService *service.QueryService
}

func NewBulkHandler(imp *importer.Importer, queryService *service.QueryService) *BulkHandler {
	return &BulkHandler{
		importer:     imp,
		queryService: queryService,
	}
}

type BatchRequest struct {
	Operations []service.OperationInput `json:"operations"`
}

// Batch applies a JSON list of operations and reports per-row results.
func (h *BulkHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, errors.NewAppError(errors.InvalidInput, "operations must not be empty").WithField("operations"))
		return
	}
	if len(req.Operations) > maxBatchRows {
		writeError(w, errors.NewAppErrorf(errors.InvalidInput, "at most %d operations per batch", maxBatchRows).WithField("operations"))
		return
	}

	writeJSON(w, http.StatusOK, h.importer.ImportRows(r.Context(), req.Operations))
}

// Import applies a CSV body with a header line.
func (h *BulkHandler) Import(w http.ResponseWriter, r *http.Request) {
	summary, err := h.importer.ImportCSV(r.Context(), io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Export streams matching operations as CSV. It accepts the same filters as
// the operation listing.
func (h *BulkHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := queryFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, errors.NewAppErrorf(errors.InvalidInput, "unknown operation kind %q", filter.Kind).WithField("kind"))
		return
	}

	name := "operations-" + time.Now().UTC().Format("20060102T150405Z") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))

	n, err := importer.ExportCSV(r.Context(), w, h.queryService, filter)
	if err != nil {
		// status is already sent, the client sees a truncated file
		slog.Error("CSV export aborted", "rows", n, "error", err)
	}
}
