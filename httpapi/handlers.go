package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"harvestpay/ledger"
	"harvestpay/settlement"
)

type paymentConfirmedRequest struct {
	OrderID     string `json:"order_id"`
	BuyerID     string `json:"buyer_id"`
	FarmerID    string `json:"farmer_id"`
	TotalAmount string `json:"total_amount"`
	PaymentRef  string `json:"payment_ref"`
}

func (s *Server) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req paymentConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	total, err := decimal.NewFromString(req.TotalAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid total_amount")
		return
	}

	entry, err := s.engine.OnPaymentConfirmed(r.Context(), settlement.PaymentConfirmed{
		OrderID:     req.OrderID,
		BuyerID:     req.BuyerID,
		FarmerID:    req.FarmerID,
		TotalAmount: total,
		PaymentRef:  req.PaymentRef,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

type upfrontSettledRequest struct {
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref"`
}

func (s *Server) handleUpfrontSettled(w http.ResponseWriter, r *http.Request) {
	var req upfrontSettledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.engine.OnUpfrontSettled(r.Context(), req.OrderID, req.PaymentRef)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

func (s *Server) handleDeliveryConfirmed(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.OnDeliveryConfirmed(r.Context(), mux.Vars(r)["orderID"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisputeRaised(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.engine.OnDisputeRaised(r.Context(), mux.Vars(r)["orderID"], req.Reason)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

type resolutionRequest struct {
	Winner string `json:"winner"`
}

func (s *Server) handleDisputeResolved(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.engine.OnDisputeResolved(r.Context(), mux.Vars(r)["orderID"], settlement.Party(req.Winner))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.GetEscrowByOrder(r.Context(), mux.Vars(r)["orderID"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryResponse(entry))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputes.ListOpen(r.Context())
	if err != nil {
		s.log.Error("list disputes", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"entry_id":    rec.EntryID,
			"order_id":    rec.OrderID,
			"buyer_id":    rec.BuyerID,
			"farmer_id":   rec.FarmerID,
			"held_amount": rec.HeldAmount.StringFixed(2),
			"reason":      rec.Reason,
			"opened_at":   rec.OpenedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"disputes": out})
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrBadRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		respondError(w, http.StatusNotFound, "escrow entry not found")
	case errors.Is(err, settlement.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		respondError(w, http.StatusConflict, "concurrent update, retry")
	default:
		s.log.Error("settlement operation failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func entryResponse(entry ledger.Entry) map[string]any {
	resp := map[string]any{
		"id":               entry.ID,
		"order_id":         entry.OrderID,
		"buyer_id":         entry.BuyerID,
		"farmer_id":        entry.FarmerID,
		"total_amount":     entry.TotalAmount.StringFixed(2),
		"upfront_amount":   entry.UpfrontAmount.StringFixed(2),
		"remaining_amount": entry.RemainingAmount.StringFixed(2),
		"status":           string(entry.Status),
		"created_at":       entry.CreatedAt,
		"updated_at":       entry.UpdatedAt,
	}
	if entry.DisputeReason != nil {
		resp["dispute_reason"] = *entry.DisputeReason
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
