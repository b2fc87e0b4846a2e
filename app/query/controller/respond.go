package controller

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/reporting"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps the error taxonomy onto status codes. Storage and invariant
// failures are logged and not echoed to the client.
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, reporting.ErrBadRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrPersistence):
		c.Logger.Warn("Storage unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		c.Logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
