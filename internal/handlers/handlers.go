// Package handlers implements the detection engine's HTTP API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/export"
	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
	"github.com/telhawk-systems/telhawk-detect/internal/state"
)

// RuleRunner executes a rule once.
type RuleRunner interface {
	Execute(ctx context.Context, rule *models.RuleParams) models.RunOutcome
}

// Pinger checks a backing store for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	repo   repository.Repository
	runner RuleRunner
	status state.Store
	pinger Pinger
	logger *logging.Logger
}

func NewHandler(repo repository.Repository, runner RuleRunner, status state.Store, pinger Pinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		repo:   repo,
		runner: runner,
		status: status,
		pinger: pinger,
		logger: logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports 503 until the document store answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunRule executes the rule named in the path and returns its RunOutcome.
func (h *Handler) RunRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.rule(w, r)
	if !ok {
		return
	}
	outcome := h.runner.Execute(r.Context(), rule)
	writeJSON(w, http.StatusOK, outcome)
}

// RuleStatus returns the last recorded status of a rule.
func (h *Handler) RuleStatus(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.rule(w, r)
	if !ok {
		return
	}
	if h.status == nil {
		writeError(w, http.StatusNotFound, "rule status tracking is disabled")
		return
	}

	status, err := h.status.Get(r.Context(), rule.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read rule status", logging.RuleID(rule.ID), logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read rule status")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "rule has not run yet")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ExportRules streams rules as NDJSON. The optional ids query parameter is a
// comma-separated list of rule ids; without it every custom rule is exported.
func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	var buf bytes.Buffer
	var err error
	if len(ids) > 0 {
		_, err = export.ExportRules(r.Context(), h.repo, ids, &buf)
	} else {
		_, err = export.ExportAll(r.Context(), h.repo, &buf)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "rule export failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "rule export failed")
		return
	}

	fileName := headerSafe.Replace(r.URL.Query().Get("file_name"))
	if fileName == "" {
		fileName = "export.ndjson"
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fileName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

var headerSafe = strings.NewReplacer(`"`, "", "\r", "", "\n", "")

func (h *Handler) rule(w http.ResponseWriter, r *http.Request) (*models.RuleParams, bool) {
	id := r.PathValue("id")
	rule, err := h.repo.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found: "+id)
			return nil, false
		}
		h.logger.ErrorContext(r.Context(), "failed to load rule", logging.RuleID(id), logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return nil, false
	}
	return rule, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":       http.StatusText(status),
		"message":     message,
		"status_code": status,
	})
}
