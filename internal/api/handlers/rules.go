package handlers

import (
	"io"
	"net/http"

	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// RulesHandler exposes the active detection rule set.
type RulesHandler struct {
	pipeline Pipeline
	logger   *logging.Logger
}

// NewRulesHandler creates a rules handler.
func NewRulesHandler(p Pipeline, logger *logging.Logger) *RulesHandler {
	return &RulesHandler{pipeline: p, logger: logger.WithComponent("rules_handler")}
}

// RulesResponse lists the rules in declaration order.
type RulesResponse struct {
	CaseInsensitive bool                  `json:"case_insensitive"`
	Rules           []map[string][]string `json:"rules"`
	Count           int                   `json:"count"`
}

// List handles GET /rules.
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	rs := h.pipeline.Rules()
	writeJSON(w, r, http.StatusOK, RulesResponse{
		CaseInsensitive: rs.Policy() == detection.CaseInsensitive,
		Rules:           detection.Document(rs.Rules()),
		Count:           rs.Len(),
	})
}

// Add handles POST /rules. The body uses the rules file format, an array
// of {"intitle": [...]} objects, and the rules are appended to the set.
func (h *RulesHandler) Add(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		writeAppError(w, r, errors.Wrap(errors.CodeValidation, "failed to read body", err))
		return
	}
	if len(data) > maxRequestSize {
		writeAppError(w, r, errors.New(errors.CodeValidation, "request body too large"))
		return
	}

	rules, err := detection.Parse(data, detection.FormatJSON)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if len(rules) == 0 {
		writeAppError(w, r, errors.New(errors.CodeValidation, "no rules in body"))
		return
	}

	h.pipeline.LoadRuleSet(rules)
	writeJSON(w, r, http.StatusCreated, map[string]int{
		"added": len(rules),
		"total": h.pipeline.Rules().Len(),
	})
}
