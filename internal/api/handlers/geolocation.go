package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// GeolocationHandler queues lookups and serves stored locations.
type GeolocationHandler struct {
	pipeline Pipeline
	store    ResultStore
	logger   *logging.Logger
}

// NewGeolocationHandler creates a geolocation handler. store may be nil.
func NewGeolocationHandler(p Pipeline, store ResultStore, logger *logging.Logger) *GeolocationHandler {
	return &GeolocationHandler{pipeline: p, store: store, logger: logger.WithComponent("geolocation_handler")}
}

// GeolocationRequest is the body of POST /geolocation.
type GeolocationRequest struct {
	Addresses []string `json:"addresses" validate:"required,min=1,max=1024,dive,required,max=255"`
}

// GeolocationResponse reports queued and rejected addresses.
type GeolocationResponse struct {
	Queued   []string         `json:"queued"`
	Rejected []RejectedTarget `json:"rejected,omitempty"`
}

// Enqueue queues a lookup for every address. Results arrive on the websocket.
func (h *GeolocationHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body GeolocationRequest
	if err := parseJSON(r, &body); err != nil {
		writeAppError(w, r, err)
		return
	}

	resp := GeolocationResponse{Queued: []string{}}
	var firstErr error
	for _, addr := range body.Addresses {
		if err := h.pipeline.EnqueueGeolocation(addr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			resp.Rejected = append(resp.Rejected, RejectedTarget{Target: addr, Code: string(errors.GetCode(err)), Error: err.Error()})
			continue
		}
		resp.Queued = append(resp.Queued, addr)
	}

	if len(resp.Queued) == 0 && firstErr != nil {
		writeAppError(w, r, firstErr)
		return
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// Get returns the stored location for {address}.
func (h *GeolocationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeAppError(w, r, errors.New(errors.CodeConfiguration, "result storage is not enabled"))
		return
	}
	geo, err := h.store.GetGeolocation(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, geoView(geo))
}

// GeolocationView is the JSON form of a stored location.
type GeolocationView struct {
	Address   string `json:"address"`
	City      string `json:"city"`
	Region    string `json:"region"`
	Country   string `json:"country"`
	Org       string `json:"org"`
	Loc       string `json:"loc,omitempty"`
	LocatedAt string `json:"located_at"`
}
