package lockupapi

import (
	"net/http"
	"strings"
)

func (h *handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	keys, err := h.cfg.Reports.List(r.Context(), prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"prefix":  prefix,
		"keys":    keys,
	})
}

// handleGetReport returns the stored report body as written.
func (h *handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.handleListReports(w, r)
		return
	}
	obj, err := h.cfg.Reports.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	ct := obj.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	if !obj.LastModified.IsZero() {
		w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
