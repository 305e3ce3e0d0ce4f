package handlers

import (
	"net/http"
	"time"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// ScanHandler queues scans.
type ScanHandler struct {
	pipeline Pipeline
	logger   *logging.Logger
}

// NewScanHandler creates a scan handler.
func NewScanHandler(p Pipeline, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{pipeline: p, logger: logger.WithComponent("scan_handler")}
}

// ScanRequest is the body of POST /scans.
type ScanRequest struct {
	Targets []string `json:"targets" validate:"required,min=1,max=1024,dive,required"`
}

// AcceptedScan is a queued target.
type AcceptedScan struct {
	RequestID string    `json:"request_id"`
	Target    string    `json:"target"`
	Submitted time.Time `json:"submitted_at"`
}

// RejectedTarget is a target that could not be queued.
type RejectedTarget struct {
	Target string `json:"target"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// ScanResponse reports what was queued. Results arrive on the websocket.
type ScanResponse struct {
	Accepted []AcceptedScan   `json:"accepted"`
	Rejected []RejectedTarget `json:"rejected,omitempty"`
}

// CreateScans queues every target in the body and returns 202 when at
// least one was accepted.
func (h *ScanHandler) CreateScans(w http.ResponseWriter, r *http.Request) {
	var body ScanRequest
	if err := parseJSON(r, &body); err != nil {
		writeAppError(w, r, err)
		return
	}

	resp := ScanResponse{Accepted: []AcceptedScan{}}
	var firstErr error
	for _, target := range body.Targets {
		req, err := h.pipeline.Scan(target)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			resp.Rejected = append(resp.Rejected, RejectedTarget{
				Target: target,
				Code:   string(errors.GetCode(err)),
				Error:  err.Error(),
			})
			continue
		}
		resp.Accepted = append(resp.Accepted, AcceptedScan{
			RequestID: req.ID,
			Target:    req.Target,
			Submitted: req.SubmittedAt,
		})
	}

	if len(resp.Accepted) == 0 && firstErr != nil {
		writeAppError(w, r, firstErr)
		return
	}

	h.logger.Info("Scans queued", "accepted", len(resp.Accepted), "rejected", len(resp.Rejected))
	writeJSON(w, r, http.StatusAccepted, resp)
}
