/*
handlers.go - HTTP API handlers for the referral engine

PURPOSE:
  Exposes the pipeline, reward and projection services via REST API.
  Handles HTTP request/response and JSON serialization, and delegates
  every decision to the domain packages.

ENDPOINTS:
  Referrers:
    POST   /api/referrers                      Register referrer (admin)
    GET    /api/referrers/{id}/balance         Current balance
    GET    /api/referrers/{id}/progress        Reward progress
    GET    /api/referrers/{id}/dashboard       Balance, counts and progress
    GET    /api/referrers/{id}/transactions    Paged ledger history
    GET    /api/referrers/{id}/referrals       Referrer's leads
    POST   /api/referrers/{id}/referrals       Submit a lead

  Pipeline:
    POST   /api/referrals/{id}/transition      Move a referral
    GET    /api/consultants/{id}/referrals     Consultant's pipeline

  Rewards:
    GET    /api/reward-configs                 Threshold versions

  Admin:
    POST   /api/admin/reward-configs           Publish thresholds
    POST   /api/admin/referrals/{id}/assign    Reassign consultant
    POST   /api/admin/adjustments              Manual balance adjustment
    POST   /api/admin/reconcile                Re-run unlock decisions
    GET    /api/admin/reconcile                Last scheduled pass

REQUEST FLOW:
  1. Resolve the principal (401 when missing)
  2. Parse HTTP request
  3. Call the domain service (it authorizes and validates)
  4. Serialize response
  5. Map domain errors to a status

ERROR HANDLING:
  - 400: Invalid input
  - 401: No principal
  - 403: Principal may not act
  - 404: Referrer or referral not found
  - 409: Conflict (idempotency key reused, contention)
  - 422: Transition not allowed from the current state
  - 503: Storage busy after retries
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/pipeline"
	"github.com/warp/referral-engine/projection"
	"github.com/warp/referral-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain components the API delegates to.
type Services struct {
	Machine    *pipeline.Machine
	Configs    *rewards.ConfigService
	Reconciler *rewards.Reconciler
	Views      *projection.Service
	Registry   *fanout.Registry
	DB         Pinger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Services
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Scheduler, when set, records manual passes as its last report.
	Scheduler *ReconciliationScheduler

	// SessionBuffer bounds each websocket session's outbound queue.
	SessionBuffer int
}

// NewHandler creates a new handler.
func NewHandler(s Services, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Services: s, Metrics: m, Logger: logger, SessionBuffer: 64}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.Registry.Sessions(),
	})
}

// =============================================================================
// REFERRER ENDPOINTS
// =============================================================================

// CreateReferrer registers a referrer.
func (h *Handler) CreateReferrer(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req CreateReferrerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref, err := h.Machine.Register(r.Context(), pipeline.RegisterInput{
		ID:   ledger.ReferrerID(req.ID),
		Name: req.Name,
	}, p)
	if err != nil {
		h.fail(w, "Failed to register referrer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferrerDTO(ref))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	b, err := h.Views.Balance(r.Context(), referrerParam(r), p)
	if err != nil {
		h.fail(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ReferrerID: string(b.ReferrerID),
		Balance:    b.Balance.StringFixed(2),
		AsOf:       b.AsOf,
	})
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	progress, err := h.Views.Progress(r.Context(), referrerParam(r), p)
	if err != nil {
		h.fail(w, "Failed to get progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(progress))
}

func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	d, err := h.Views.Dashboard(r.Context(), referrerParam(r), p)
	if err != nil {
		h.fail(w, "Failed to get dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		ReferrerID: string(d.ReferrerID),
		Name:       d.Name,
		Balance:    d.Balance.StringFixed(2),
		Pending:    d.Pending,
		Converted:  d.Converted,
		Lost:       d.Lost,
		Total:      d.Total,
		Progress:   toProgressDTO(d.Progress),
		AsOf:       d.AsOf,
	})
}

// GetTransactions returns ledger history, newest first.
// Query: ?limit=N&cursor=<next_cursor from the previous page>
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	page, err := h.Views.History(r.Context(), referrerParam(r), p, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Entries:    toEntryDTOs(page.Entries),
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	refs, err := h.Views.Referrals(r.Context(), referrerParam(r), p)
	if err != nil {
		h.fail(w, "Failed to list referrals", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTOs(refs))
}

// SubmitReferral records a new lead for the referrer.
func (h *Handler) SubmitReferral(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req SubmitReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref, err := h.Machine.Submit(r.Context(), referrerParam(r), pipeline.SubmitInput{
		LeadName:    req.LeadName,
		LeadContact: req.LeadContact,
	}, p)
	if err != nil {
		h.fail(w, "Failed to submit referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

// =============================================================================
// PIPELINE ENDPOINTS
// =============================================================================

// TransitionReferral moves a referral to target_state and returns the
// entries and events committed with it.
func (h *Handler) TransitionReferral(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Machine.Transition(r.Context(), ledger.ReferralID(chi.URLParam(r, "id")), ledger.State(req.TargetState), p)
	if err != nil {
		h.fail(w, "Failed to transition referral", err)
		return
	}
	events := res.Events
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, TransitionResponse{
		Referral: toReferralDTO(res.Referral),
		From:     string(res.From),
		To:       string(res.NewState),
		Entries:  toEntryDTOs(res.Entries),
		Events:   events,
		Unlocked: res.Unlocked,
	})
}

func (h *Handler) ListConsultantReferrals(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	refs, err := h.Views.ConsultantReferrals(r.Context(), ledger.ConsultantID(chi.URLParam(r, "id")), p)
	if err != nil {
		h.fail(w, "Failed to list referrals", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTOs(refs))
}

// =============================================================================
// REWARD CONFIG ENDPOINTS
// =============================================================================

func (h *Handler) ListRewardConfigs(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}
	cfgs, err := h.Views.RewardConfigs(r.Context())
	if err != nil {
		h.fail(w, "Failed to list reward configs", err)
		return
	}
	out := make([]RewardConfigDTO, len(cfgs))
	for i, c := range cfgs {
		out[i] = toRewardConfigDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// PublishRewardConfig stores the next threshold version.
func (h *Handler) PublishRewardConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req PublishConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := rewards.PublishInput{
		ReferralsRequired: req.ReferralsRequired,
		SalesRequired:     req.SalesRequired,
	}
	if req.EffectiveFrom != nil {
		in.EffectiveFrom = *req.EffectiveFrom
	}

	cfg, err := h.Configs.Publish(r.Context(), p, in)
	if err != nil {
		h.fail(w, "Failed to publish reward config", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRewardConfigDTO(cfg))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) AssignReferral(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref, err := h.Machine.Reassign(r.Context(), ledger.ReferralID(chi.URLParam(r, "id")), ledger.ConsultantID(req.ConsultantID), p)
	if err != nil {
		h.fail(w, "Failed to assign referral", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref))
}

// CreateAdjustment creates a manual adjustment.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Machine.Adjust(r.Context(), pipeline.AdjustInput{
		ReferrerID:     ledger.ReferrerID(req.ReferrerID),
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	}, p)
	if err != nil {
		h.fail(w, "Failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Reconcile re-runs the unlock decision for every referrer.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		h.fail(w, "Failed to reconcile", &ledger.PermissionError{Principal: p, Action: "reconcile rewards"})
		return
	}
	var (
		report rewards.ReconcileReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Reconciler.Run(r.Context())
	}
	if err != nil {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ReconcileStatus reports the scheduler's last pass.
func (h *Handler) ReconcileStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		h.fail(w, "Failed to get reconcile status", &ledger.PermissionError{Principal: p, Action: "view reconciliation"})
		return
	}
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, ReconcileStatusDTO{Enabled: false})
		return
	}
	report, at := h.Scheduler.LastReport()
	dto := ReconcileStatusDTO{Enabled: h.Scheduler.Enabled, NextRun: h.Scheduler.GetNextRunTime()}
	if !at.IsZero() {
		dto.LastRun = &at
		dto.LastReport = &report
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (ledger.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
	}
	return p, ok
}

func referrerParam(r *http.Request) ledger.ReferrerID {
	return ledger.ReferrerID(chi.URLParam(r, "id"))
}

// fail maps a domain error to its status and writes it.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err, "status", status)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransientStorage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
