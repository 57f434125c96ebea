package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

const maxBodyBytes = 10 << 20

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := errors.Wrap(err)
	w.Header().Set("Content-Type", "application/json")

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
		Field:   appErr.Field,
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name).WithField(name)
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name).WithField(name)
	}
	return id, nil
}

func queryPage(r *http.Request) (domain.Page, error) {
	var page domain.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return page, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name).WithField(name)
		}
		*dst = v
	}
	return page, nil
}

// queryFilter reads kind, account_id, status, related_id, from and to.
// Times are RFC 3339.
func queryFilter(r *http.Request) (domain.OperationFilter, error) {
	q := r.URL.Query()
	filter := domain.OperationFilter{
		Kind:   domain.OperationKind(q.Get("kind")),
		Status: domain.OperationStatus(q.Get("status")),
	}

	for name, dst := range map[string]**int64{"account_id": &filter.AccountID, "related_id": &filter.RelatedID} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name).WithField(name)
		}
		*dst = &v
	}

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.NewAppErrorf(errors.InvalidInput, "invalid %s, expected RFC 3339", name).WithField(name)
		}
		*dst = &t
	}

	switch filter.Status {
	case "", domain.StatusApplied, domain.StatusFailed, domain.StatusReversed, domain.StatusInconsistent:
	default:
		return filter, errors.NewAppErrorf(errors.InvalidInput, "unknown status %q", filter.Status).WithField("status")
	}
	return filter, nil
}
