package peers

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

func testPeer(endpoint string) *domain.NodeOperator {
	return &domain.NodeOperator{ID: "peer-1", Endpoint: endpoint, Status: domain.OperatorActive}
}

func TestClient_FetchLedgerEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sync/ledger-entries", r.URL.Path)
		assert.Equal(t, "1500", r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]any{
			"entries": []domain.TimeLedgerEntry{
				{NodeID: "node-b", SequenceMs: 2000, EntryType: domain.EntryTypeNodeStatusChanged},
			},
		})
		assert.NoError(t, err)
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	entries, err := client.FetchLedgerEntries(context.Background(), testPeer(server.URL), 1500)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "node-b", entries[0].NodeID)
	assert.Equal(t, int64(2000), entries[0].SequenceMs)
}

func TestClient_FetchTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sync/transactions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]any{
			"transactions": []domain.Transaction{
				{Hash: "aa", Currency: "USDC", Amount: 100, CreatedAtMs: 2000},
			},
		})
		assert.NoError(t, err)
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	txs, err := client.FetchTransactions(context.Background(), testPeer(server.URL), 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "aa", txs[0].Hash)
	assert.Equal(t, int64(100), txs[0].Amount)
}

func TestClient_FetchBets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sync/bets", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]any{
			"bets": []domain.Bet{
				{ID: "bet-1", MarketID: "market-1", PredictionID: "pred-1", Amount: 50, Status: domain.BetActive},
			},
		})
		assert.NoError(t, err)
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	bets, err := client.FetchBets(context.Background(), testPeer(server.URL), 0)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, "bet-1", bets[0].ID)
}

func TestClient_FetchMapsServerErrorToNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	_, err := client.FetchLedgerEntries(context.Background(), testPeer(server.URL), 0)
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestClient_FetchMapsUnreachablePeerToNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewClient(1 * time.Second)
	_, err := client.FetchTransactions(context.Background(), testPeer(server.URL), 0)
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestClient_BroadcastCountsAcks(t *testing.T) {
	acking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		var event domain.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		assert.Equal(t, "event-1", event.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer acking.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	client := NewClient(5 * time.Second)
	acks := client.Broadcast(context.Background(), []domain.NodeOperator{
		{ID: "peer-1", Endpoint: acking.URL},
		{ID: "peer-2", Endpoint: acking.URL},
		{ID: "peer-3", Endpoint: failing.URL},
	}, &domain.Event{ID: "event-1", Type: domain.EventMarketResolved})

	assert.Equal(t, 2, acks)
}
