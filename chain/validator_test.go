package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexerStub(t *testing.T, transactions map[string]transactionInfo) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Path[len("/v1/transactions/"):]
		info, ok := transactions[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(info))
	}))
}

func TestValidator_AcceptsFinalTransaction(t *testing.T) {
	server := indexerStub(t, map[string]transactionInfo{
		"aa11": {Hash: "aa11", Currency: "USDC", Amount: 1000, Confirmations: 12},
	})
	defer server.Close()

	validator := NewValidator(server.URL, 5*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "aa11", "USDC", 1000)
	assert.NoError(t, err)
}

func TestValidator_RejectsMissingTransaction(t *testing.T) {
	server := indexerStub(t, map[string]transactionInfo{})
	defer server.Close()

	validator := NewValidator(server.URL, 5*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "missing", "USDC", 1000)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestValidator_RejectsAmountMismatch(t *testing.T) {
	server := indexerStub(t, map[string]transactionInfo{
		"aa11": {Hash: "aa11", Currency: "USDC", Amount: 999, Confirmations: 12},
	})
	defer server.Close()

	validator := NewValidator(server.URL, 5*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "aa11", "USDC", 1000)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestValidator_RejectsCurrencyMismatch(t *testing.T) {
	server := indexerStub(t, map[string]transactionInfo{
		"aa11": {Hash: "aa11", Currency: "ETH", Amount: 1000, Confirmations: 12},
	})
	defer server.Close()

	validator := NewValidator(server.URL, 5*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "aa11", "USDC", 1000)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestValidator_RejectsUnfinalizedTransaction(t *testing.T) {
	server := indexerStub(t, map[string]transactionInfo{
		"aa11": {Hash: "aa11", Currency: "USDC", Amount: 1000, Confirmations: 2},
	})
	defer server.Close()

	validator := NewValidator(server.URL, 5*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "aa11", "USDC", 1000)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestValidator_UnreachableIndexerIsNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	validator := NewValidator(server.URL, 1*time.Second, 6)
	err := validator.ValidateTransaction(context.Background(), "aa11", "USDC", 1000)
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}
