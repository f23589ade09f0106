package refund

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/modules/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler exposes refund HTTP endpoints.
type Handler struct {
	service Service
	log     *zap.Logger
}

func NewHandler(service Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// RegisterRoutes mounts the endpoints available to sellers and admins.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/refunds", func(r chi.Router) {
		r.Post("/", h.createRefund)          // POST /api/v1/refunds
		r.Get("/{id}", h.getRefund)          // GET  /api/v1/refunds/{id}
		r.Post("/{id}/retry", h.retryRefund) // POST /api/v1/refunds/{id}/retry
	})
	r.Get("/api/v1/orders/{order_id}/refunds", h.listByOrder)
}

// RegisterAdminRoutes mounts the approval queue and manual reconciliation.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/api/v1/admin/refunds", func(r chi.Router) {
		r.Get("/pending", h.listPending)   // GET  /api/v1/admin/refunds/pending?seller_id=
		r.Post("/{id}/decision", h.decide) // POST /api/v1/admin/refunds/{id}/decision
		r.Post("/decisions", h.decideBulk) // POST /api/v1/admin/refunds/decisions
	})
	r.Post("/api/v1/refunds/{id}/poll", h.poll)
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if actor := actorID(r); actor != uuid.Nil {
		req.RequestedBy = actor
	}
	ref, err := h.service.Create(r.Context(), req)
	var pv *apperror.PolicyViolation
	if errors.As(err, &pv) {
		respond(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"reason": pv.Reason,
			"refund": ref,
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, ref)
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ref, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, ref)
}

func (h *Handler) retryRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ref, err := h.service.Retry(r.Context(), id, actorID(r))
	var pv *apperror.PolicyViolation
	if errors.As(err, &pv) {
		respond(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"reason": pv.Reason,
			"refund": ref,
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, ref)
}

func (h *Handler) listByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(w, r, "order_id")
	if !ok {
		return
	}
	list, err := h.service.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, list)
}

// ── Admin Handlers ────────────────────────────────────────────────────────────

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	var sellerID *uuid.UUID
	if v := r.URL.Query().Get("seller_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": "invalid seller_id"})
			return
		}
		sellerID = &id
	}
	list, err := h.service.ListPending(r.Context(), sellerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, list)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var ref *Refund
	var err error
	switch strings.ToLower(req.Decision) {
	case DecisionApprove:
		ref, err = h.service.Approve(r.Context(), id, actorID(r), req.ExpectedVersion)
	case DecisionReject:
		ref, err = h.service.Reject(r.Context(), id, actorID(r), req.Reason, req.ExpectedVersion)
	default:
		err = apperror.Invalid("decision must be approve or reject")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, ref)
}

func (h *Handler) decideBulk(w http.ResponseWriter, r *http.Request) {
	var items []BulkDecisionItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, h.service.Decide(r.Context(), actorID(r), items))
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ref, err := h.service.Poll(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, ref)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// actorID is the authenticated caller's account id, or uuid.Nil.
func actorID(r *http.Request) uuid.UUID {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(p.Subject)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, apperror.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, apperror.ErrForbidden):
		code, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, apperror.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, apperror.ErrConcurrencyConflict), errors.Is(err, apperror.ErrDuplicate):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, apperror.ErrPolicyViolation):
		code, msg = http.StatusUnprocessableEntity, err.Error()
	default:
		h.log.Error("refund request failed", zap.Error(err))
	}
	respond(w, code, map[string]string{"error": msg})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
