package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// IngestHandler accepts transactions and receipts from upstream record
// sources. Validation mirrors the scorer's requirements: an item without an
// amount or date can never be matched, so it is rejected at the door.
type IngestHandler struct {
	*Base
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(repo storage.Repository) *IngestHandler {
	return &IngestHandler{Base: NewBase(repo)}
}

// CreateTransaction handles POST /api/transactions.
func (h *IngestHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var txn expense.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}

	if txn.ID == "" || txn.OrganizationID == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("id and organization_id are required"))
		return
	}
	if txn.Amount.IsZero() {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("amount is required"))
		return
	}
	if txn.Date.IsZero() {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("date is required"))
		return
	}
	if txn.Status == "" {
		txn.Status = expense.TransactionPending
	}

	if err := h.repo.SaveTransaction(&txn); err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusCreated, &txn)
}

// CreateReceipt handles POST /api/receipts.
func (h *IngestHandler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	var rcpt expense.Receipt
	if err := json.NewDecoder(r.Body).Decode(&rcpt); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}

	if rcpt.ID == "" || rcpt.OrganizationID == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("id and organization_id are required"))
		return
	}
	if rcpt.Total.IsZero() {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("total is required"))
		return
	}
	if rcpt.Date.IsZero() {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("date is required"))
		return
	}
	if rcpt.Status == "" {
		rcpt.Status = expense.ReceiptUploaded
	}

	if err := h.repo.SaveReceipt(&rcpt); err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusCreated, &rcpt)
}
