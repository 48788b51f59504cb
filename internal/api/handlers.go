package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/httputil"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/version"
)

type createSessionRequest struct {
	CustomerID string `json:"customer_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.CustomerID == "" {
		httputil.BadRequest(w, "missing customer_id")
		return
	}

	sess, err := s.sessions.Create(req.CustomerID)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to create session: %v", err))
		return
	}
	if err := s.db.SaveSession(r.Context(), sess); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to persist session: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.sessions.List())
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sess)
}

func (s *Server) exitSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.MarkExiting(id); err != nil {
		switch {
		case errors.Is(err, session.ErrNoSession):
			httputil.NotFound(w, err.Error())
		case errors.Is(err, session.ErrBadTransition):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}

	txn, err := s.finalizer.Finalize(r.Context(), id)
	if err != nil {
		// The session stays Exiting; the gateway retries the exit call and
		// settles against the same frozen cart.
		httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("settlement failed: %v", err))
		return
	}

	if sess, err := s.sessions.Get(id); err == nil {
		if err := s.db.SaveSession(r.Context(), sess); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to persist session: %v", err))
			return
		}
	}
	httputil.WriteJSONOK(w, txn)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Abort(id); err != nil {
		switch {
		case errors.Is(err, session.ErrNoSession):
			httputil.NotFound(w, err.Error())
		case errors.Is(err, session.ErrBadTransition):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	sess, err := s.sessions.Get(id)
	if err == nil {
		if err := s.db.SaveSession(r.Context(), sess); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to persist session: %v", err))
			return
		}
	}
	httputil.WriteJSONOK(w, sess)
}

type cartResponse struct {
	CustomerID string      `json:"customer_id"`
	Items      []cart.Item `json:"items"`
}

func (s *Server) showCart(w http.ResponseWriter, r *http.Request) {
	customer := r.PathValue("customer")
	items, err := s.carts.Snapshot(customer)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, cartResponse{CustomerID: customer, Items: items})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.db.ProductEvents(r.Context(), r.URL.Query().Get("customer"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.db.Transactions(r.Context(), 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve transactions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, txns)
}

func (s *Server) showTransactionRollup(w http.ResponseWriter, r *http.Request) {
	days := 1
	if d := r.URL.Query().Get("days"); d != "" {
		parsedDays, err := strconv.Atoi(d)
		if err != nil || parsedDays < 1 {
			httputil.BadRequest(w, "invalid 'days' parameter")
			return
		}
		days = parsedDays
	}

	stats, err := s.db.TransactionRollup(r.Context(), days)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve transaction stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"pick_confidence":    s.tuning.GetPickConfidence(),
		"debounce_frames":    s.tuning.GetDebounceFrames(),
		"debounce_window_ms": s.tuning.GetDebounceWindow().Milliseconds(),
		"inactivity_timeout": s.tuning.GetInactivityTimeout().String(),
		"sensor_tolerance":   s.tuning.GetSensorTolerance().String(),
		"iou_threshold":      s.tuning.GetIoUThreshold(),
		"version":            version.String(),
	})
}
