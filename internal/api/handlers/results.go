package handlers

import (
	"net/http"
	"time"

	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// ResultsHandler serves persisted scan results.
type ResultsHandler struct {
	store  ResultStore
	logger *logging.Logger
}

// NewResultsHandler creates a results handler. store may be nil.
func NewResultsHandler(store ResultStore, logger *logging.Logger) *ResultsHandler {
	return &ResultsHandler{store: store, logger: logger.WithComponent("results_handler")}
}

// ResultView is the JSON form of a stored scan result.
type ResultView struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Target     string    `json:"target"`
	Title      string    `json:"title"`
	IsCamera   bool      `json:"is_camera"`
	Error      string    `json:"error,omitempty"`
	StatusCode int64     `json:"status_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// ListResultsResponse wraps a page of results.
type ListResultsResponse struct {
	Data  []ResultView `json:"data"`
	Count int          `json:"count"`
}

// List handles GET /results?cameras=true&target=...&limit=N.
func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeAppError(w, r, errors.New(errors.CodeConfiguration, "result storage is not enabled"))
		return
	}

	camerasOnly, err := getQueryParamBool(r, "cameras", false)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	results, err := h.store.ListScanResults(r.Context(), db.ResultFilter{
		CamerasOnly: camerasOnly,
		Target:      r.URL.Query().Get("target"),
		Limit:       limit,
	})
	if err != nil {
		h.logger.Error("Failed to list results", "error", err)
		writeAppError(w, r, err)
		return
	}

	views := make([]ResultView, 0, len(results))
	for i := range results {
		views = append(views, resultView(&results[i]))
	}
	writeJSON(w, r, http.StatusOK, ListResultsResponse{Data: views, Count: len(views)})
}

func resultView(res *db.ScanResult) ResultView {
	return ResultView{
		ID:         res.ID.String(),
		RequestID:  res.RequestID,
		Target:     res.Target,
		Title:      res.Title,
		IsCamera:   res.IsCamera,
		Error:      res.ErrorKind.String,
		StatusCode: res.StatusCode.Int64,
		DurationMS: res.DurationMS,
		ScannedAt:  res.ScannedAt,
	}
}

func geoView(geo *db.Geolocation) GeolocationView {
	return GeolocationView{
		Address:   geo.Address,
		City:      geo.City,
		Region:    geo.Region,
		Country:   geo.Country,
		Org:       geo.Org,
		Loc:       geo.Loc.String,
		LocatedAt: geo.LocatedAt.UTC().Format(time.RFC3339),
	}
}
