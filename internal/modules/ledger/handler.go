package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/modules/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handler exposes seller earnings endpoints.
type Handler struct{ service Service }

func NewHandler(service Service) *Handler { return &Handler{service: service} }

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sellers/{seller_id}", func(r chi.Router) {
		r.Get("/statement", h.statement)  // GET /api/v1/sellers/{seller_id}/statement?from=&to=
		r.Get("/balance", h.balance)      // GET /api/v1/sellers/{seller_id}/balance
		r.Get("/ledger/verify", h.verify) // GET /api/v1/sellers/{seller_id}/ledger/verify
	})
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerParam(w, r)
	if !ok {
		return
	}
	rng, err := ParseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.service.Statement(r.Context(), sellerID, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, st)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerParam(w, r)
	if !ok {
		return
	}
	bal, err := h.service.Balance(r.Context(), sellerID)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, struct {
		SellerID uuid.UUID       `json:"seller_id"`
		Balance  decimal.Decimal `json:"balance"`
	}{sellerID, bal})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerParam(w, r)
	if !ok {
		return
	}
	err := h.service.Verify(r.Context(), sellerID)
	if errors.Is(err, apperror.ErrDataIntegrity) {
		respond(w, http.StatusConflict, map[string]string{"status": "broken", "error": err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "consistent"})
}

func (h *Handler) sellerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sellerID, err := uuid.Parse(chi.URLParam(r, "seller_id"))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid seller_id"})
		return uuid.Nil, false
	}
	if err := auth.AuthorizeSeller(r.Context(), sellerID); err != nil {
		writeError(w, err)
		return uuid.Nil, false
	}
	return sellerID, true
}

// ParseRange reads statement bounds given as RFC 3339 timestamps or plain
// dates. A plain-date upper bound covers that whole day.
func ParseRange(from, to string) (DateRange, error) {
	var rng DateRange
	var err error
	if from != "" {
		if rng.From, err = parseBound(from, false); err != nil {
			return rng, err
		}
	}
	if to != "" {
		if rng.To, err = parseBound(to, true); err != nil {
			return rng, err
		}
	}
	return rng, nil
}

func parseBound(s string, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, apperror.Invalid("invalid date %q", s)
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, apperror.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, apperror.ErrForbidden):
		code, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, apperror.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	}
	respond(w, code, map[string]string{"error": msg})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
