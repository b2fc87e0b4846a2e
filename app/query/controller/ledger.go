package controller

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// HandleCheckpoint answers the watcher's resume query.
func (c *Controller) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	block, err := c.Ledger.CurrentCheckpoint(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"last_block": block})
}

// HandlePurge serves DELETE /admin/ledger?from=&to=. Derived counters are kept.
func (c *Controller) HandlePurge(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from block")
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil || to < from {
		writeError(w, http.StatusBadRequest, "invalid to block")
		return
	}

	n, err := c.Ledger.Purge(r.Context(), from, to)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	c.Logger.Warn("Ledger purged over HTTP",
		zap.String("user", c.currentUser(r)),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int64("rows", n))
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
