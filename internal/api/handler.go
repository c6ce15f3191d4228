package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	pipeline *pipeline.Pipeline
	policies *policy.Engine
	metrics  *metrics.Metrics
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		repo:     opts.Repo,
		cache:    opts.Cache,
		pipeline: opts.Pipeline,
		policies: opts.Policies,
		metrics:  opts.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  opts.Version,
	}
}

// decode reads a JSON body into v and runs struct validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens validator errors into "field: tag" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if len(field) > 0 {
			field = strings.ToLower(field[:1]) + field[1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// ============================================================================
// HEALTH
// ============================================================================

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server can accept analysis traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil || h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// LEDGER
// ============================================================================

// IngestTransaction handles POST /transactions.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}

	if req.ID != "" {
		if _, err := h.repo.GetTransaction(ctx, tenantID, req.ID); err == nil {
			writeError(w, http.StatusConflict, "transaction already exists")
			return
		}
	}

	tx := req.ToTransaction(tenantID)
	if err := h.pipeline.Ingest(ctx, tenantID, tx); err != nil {
		slog.Error("failed to ingest transaction",
			"tenant_id", tenantID,
			"transaction_id", tx.ID,
			"error", err,
		)
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.repo.GetTransaction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// PutWallet handles PUT /wallets/{userId}.
func (h *Handler) PutWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "userId")

	var req domain.WalletRequest
	if !h.decode(w, r, &req) {
		return
	}

	wallet := &domain.Wallet{
		UserID:    userID,
		TenantID:  tenantID,
		Balance:   req.Balance,
		Currency:  req.Currency,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.repo.SaveWallet(ctx, tenantID, wallet); err != nil {
		writeErr(w, r, err)
		return
	}

	slog.Info("wallet updated", "tenant_id", tenantID, "user_id", userID)
	writeJSON(w, http.StatusOK, wallet)
}

// GetWallet handles GET /wallets/{userId}.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet, err := h.repo.GetWallet(ctx, GetTenantID(ctx), chi.URLParam(r, "userId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ============================================================================
// ANALYSIS
// ============================================================================

// AnalyzeRequest is the request body for POST /analyze.
type AnalyzeRequest struct {
	UserID        string `json:"userId" validate:"omitempty,max=128"`
	TransactionID string `json:"transactionId" validate:"omitempty,max=128"`
}

// Analyze runs the scoring pipeline for a user or a transaction's sender.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.pipeline.Run(ctx, tenantID, pipeline.Request{
		UserID:        req.UserID,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, a.ToResponse())
}

// GetAnalysis retrieves an analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.pipeline.Lookup(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ToResponse())
}

// ListUserAnalyses handles GET /users/{userId}/analyses.
func (h *Handler) ListUserAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	limit := repository.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, repository.MaxListLimit)
	}

	analyses, err := h.repo.ListAnalysesByUser(ctx, GetTenantID(ctx), userID, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := make([]*domain.AnalysisResponse, len(analyses))
	for i, a := range analyses {
		out[i] = a.ToResponse()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": out,
		"count":    len(out),
	})
}

// ============================================================================
// POLICY HANDLERS
// ============================================================================

// ListPolicies returns all loaded policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.policies.Policies()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

// GetPolicy returns a loaded policy by ID.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "id")
	for _, p := range h.policies.Policies() {
		if p.ID == policyID {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "policy not found")
}

// CreatePolicy validates, persists and loads a policy.
// Policies are saved globally (tenant_id = "*") so they apply to all tenants.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.PolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := req.ToPolicy(domain.GlobalTenantID)
	if err := h.policies.ValidatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SavePolicy(ctx, domain.GlobalTenantID, p); err != nil {
		slog.Error("failed to save policy", "id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save policy")
		return
	}

	if p.Enabled {
		if err := h.policies.LoadPolicy(p); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load policy: "+err.Error())
			return
		}
	} else {
		h.policies.UnloadPolicy(p.ID)
	}
	h.metrics.SetPoliciesLoaded(h.policies.PoliciesCount())

	slog.Info("policy created", "id", p.ID, "name", p.Name, "enabled", p.Enabled)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":  p,
		"message": "Policy created and loaded.",
	})
}

// DeletePolicy disables a policy and removes it from the engine.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := chi.URLParam(r, "id")

	if err := h.repo.DeletePolicy(ctx, domain.GlobalTenantID, policyID); err != nil {
		writeErr(w, r, err)
		return
	}
	h.policies.UnloadPolicy(policyID)
	h.metrics.SetPoliciesLoaded(h.policies.PoliciesCount())

	slog.Info("policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Policy deleted and engine reloaded.",
	})
}

// ReloadPolicies reloads all policies from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbPolicies, err := h.repo.ListPolicies(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list policies from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load policies from database")
		return
	}

	if err := h.policies.Reload(dbPolicies); err != nil {
		slog.Error("failed to reload policies into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload policies: "+err.Error())
		return
	}
	h.metrics.SetPoliciesLoaded(h.policies.PoliciesCount())

	slog.Info("policies reloaded from database", "count", len(dbPolicies))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded successfully",
		"count":   h.policies.PoliciesCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps service errors to HTTP status codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrSubjectRequired), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
