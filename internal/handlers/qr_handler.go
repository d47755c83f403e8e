package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/beanwallet/backend/internal/services"
)

// QRHandler exposes the point-of-sale charge-code flow. Callers are the POS
// terminals behind the API gateway; the gateway authenticates them and
// forwards the customer id.
type QRHandler struct {
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR issues a one-time charge code for a customer and amount.
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId" validate:"required,max=64"`
		AmountMinor int64  `json:"amountMinor" validate:"required,gt=0"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		sendError(w, err)
		return
	}

	code, image, err := h.service.GenerateChargeCode(r.Context(), req.UserID, req.AmountMinor)
	if err != nil {
		sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrCode":  code,
		"qrImage": image,
	})
}

// RedeemQR consumes a scanned charge code and executes the charge.
func (h *QRHandler) RedeemQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
		Note string `json:"note" validate:"max=200"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		sendError(w, err)
		return
	}

	txID, err := h.service.RedeemChargeCode(r.Context(), req.Code, req.Note)
	if err != nil {
		sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"txId":    txID,
	})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "Request body must only contain a single JSON object", http.StatusBadRequest)
		return false
	}

	return true
}

func sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidationFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrInsufficientFunds):
		http.Error(w, "Insufficient balance", http.StatusConflict)
	case errors.Is(err, services.ErrTxNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "Failed to process request", http.StatusInternalServerError)
	}
}
