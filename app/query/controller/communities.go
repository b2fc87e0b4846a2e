package controller

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
)

// HandleDailyStates serves GET /communities/{id}/daily?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Both bounds default to today (UTC); a lone bound makes a one-day range.
func (c *Controller) HandleDailyStates(w http.ResponseWriter, r *http.Request) {
	today := ledger.Day(time.Now(), time.UTC)
	from, ok := parseDate(w, r, "from", today)
	if !ok {
		return
	}
	to, ok := parseDate(w, r, "to", from)
	if !ok {
		return
	}
	if r.URL.Query().Get("from") == "" && r.URL.Query().Get("to") != "" {
		from = to
	}

	page, err := c.Reader.GetCommunityDailyStates(r.Context(), mux.Vars(r)["id"], from, to)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (c *Controller) HandleSSI(w http.ResponseWriter, r *http.Request) {
	m, err := c.Reader.GetSustainabilityIndex(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (c *Controller) HandleBeneficiary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := c.Reader.GetBeneficiaryState(r.Context(), vars["id"], vars["address"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func parseDate(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": expected YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}
