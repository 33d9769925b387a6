package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/demardefrozen10/SENSE/pkg/detection"
	"github.com/demardefrozen10/SENSE/pkg/gateway/apierror"
	"github.com/demardefrozen10/SENSE/pkg/store"
)

// DetectionsHandler serves the most recent scene record.
type DetectionsHandler struct {
	Latest func() detection.Record
}

func (h DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}
	rec := detection.Scanning()
	if h.Latest != nil {
		rec = h.Latest()
	}
	if rec.Detections == nil {
		rec.Detections = []detection.Detection{}
	}
	writeJSON(w, http.StatusOK, rec)
}

type HistoryReader interface {
	History(ctx context.Context, limit int) ([]detection.Record, error)
}

// HistoryHandler serves /detections/history?limit=N, newest first.
type HistoryHandler struct {
	Store HistoryReader
}

func (h HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}
	limit := store.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apierror.InvalidRequest("limit must be a positive integer", "limit"))
			return
		}
		limit = store.ClampLimit(n)
	}
	if h.Store == nil {
		writeError(w, r, apierror.Unavailable(store.ErrDisabled.Error()))
		return
	}

	records, err := h.Store.History(r.Context(), limit)
	if err != nil {
		if errors.Is(err, store.ErrDisabled) {
			err = apierror.Unavailable(store.ErrDisabled.Error())
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Records []detection.Record `json:"records"`
	}{Records: records})
}
