package handlers_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/expense-match-backend/internal/api/handlers"
	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

func TestIngestHandler_CreateTransaction(t *testing.T) {
	t.Run("stores a valid transaction", func(t *testing.T) {
		repo := storage.NewMockRepository()
		handler := handlers.NewIngestHandler(repo)

		body := []byte(`{
			"id": "txn-1",
			"organization_id": "org-1",
			"amount": "-42.50",
			"currency": "USD",
			"date": "2026-03-10T00:00:00Z",
			"description": "STARBUCKS 1234",
			"user_id": "u1"
		}`)
		req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.CreateTransaction(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		saved, err := repo.GetTransaction("org-1", "txn-1")
		require.NoError(t, err)
		assert.Equal(t, expense.TransactionPending, saved.Status, "status defaults to pending")
		assert.Equal(t, "-42.5", saved.Amount.String())
	})

	t.Run("rejects missing amount", func(t *testing.T) {
		repo := storage.NewMockRepository()
		handler := handlers.NewIngestHandler(repo)

		body := []byte(`{"id": "txn-1", "organization_id": "org-1", "date": "2026-03-10T00:00:00Z"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.CreateTransaction(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing date", func(t *testing.T) {
		repo := storage.NewMockRepository()
		handler := handlers.NewIngestHandler(repo)

		body := []byte(`{"id": "txn-1", "organization_id": "org-1", "amount": "10.00"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.CreateTransaction(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIngestHandler_CreateReceipt(t *testing.T) {
	t.Run("stores a valid receipt", func(t *testing.T) {
		repo := storage.NewMockRepository()
		handler := handlers.NewIngestHandler(repo)

		body := []byte(`{
			"id": "rcpt-1",
			"organization_id": "org-1",
			"total": "42.50",
			"currency": "USD",
			"date": "2026-03-10T00:00:00Z",
			"merchant_name": "Starbucks Coffee",
			"uploader_id": "u1"
		}`)
		req := httptest.NewRequest(http.MethodPost, "/api/receipts", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.CreateReceipt(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		saved, err := repo.GetReceipt("org-1", "rcpt-1")
		require.NoError(t, err)
		assert.Equal(t, expense.ReceiptUploaded, saved.Status, "status defaults to uploaded")
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		repo := storage.NewMockRepository()
		handler := handlers.NewIngestHandler(repo)

		req := httptest.NewRequest(http.MethodPost, "/api/receipts", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()

		handler.CreateReceipt(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
