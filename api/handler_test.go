package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/forecastnet/oracle-node/db"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/ledger"
	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FakeClock struct {
	nowMs int64
}

func (c *FakeClock) NowMs() int64 {
	return c.nowMs
}

type FakeLiveness struct {
	mu          sync.Mutex
	seen        []string
	reactivated []string
}

func (f *FakeLiveness) RecordSeen(operatorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, operatorID)
}

func (f *FakeLiveness) Reactivate(operatorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactivated = append(f.reactivated, operatorID)
	return nil
}

type FakeReports struct {
	report *domain.RoundReport
}

func (f *FakeReports) LastReport() *domain.RoundReport {
	return f.report
}

type handlerFixture struct {
	store    *db.PebbleStore
	ledger   *ledger.Ledger
	clock    *FakeClock
	liveness *FakeLiveness
	reports  *FakeReports
	handler  *Handler
}

func newHandlerFixture(t *testing.T, networkTTL time.Duration) *handlerFixture {
	tempDir, err := os.MkdirTemp("", "api-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	store, err := db.NewPebbleStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &FakeClock{nowMs: 5_000}
	chain := ledger.NewLedger(store, clock, "node-self")
	liveness := &FakeLiveness{}
	reports := &FakeReports{}
	cache := ttlcache.New[string, *NetworkResponse](
		ttlcache.WithTTL[string, *NetworkResponse](networkTTL),
		ttlcache.WithDisableTouchOnHit[string, *NetworkResponse](), // don't refresh ttl upon getting the item from cache
	)
	handler := NewHandler(chain, store, liveness, reports, cache)

	return &handlerFixture{
		store:    store,
		ledger:   chain,
		clock:    clock,
		liveness: liveness,
		reports:  reports,
		handler:  handler,
	}
}

func (f *handlerFixture) appendStatusEntry(t *testing.T, operatorID string) *domain.TimeLedgerEntry {
	payload, err := domain.EncodePayload(domain.NodeStatusPayload{
		Version:    1,
		OperatorID: operatorID,
		Previous:   domain.OperatorPending,
		Status:     domain.OperatorActive,
		Approvals:  3,
	})
	require.NoError(t, err)
	entry, err := f.ledger.Append(domain.EntryTypeNodeStatusChanged, payload)
	require.NoError(t, err)
	return entry
}

func TestHandler_GetHealth(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	fixture.handler.GetHealth(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	var response HealthResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "UP", response.Status)
}

func TestHandler_GetStatus(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	head := fixture.appendStatusEntry(t, "operator-1")
	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-1", Status: domain.OperatorActive}))
	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-2", Status: domain.OperatorPending}))
	fixture.reports.report = &domain.RoundReport{
		StartedAtMs:  4_000,
		FinishedAtMs: 4_500,
		Peers:        []*domain.PeerReport{{PeerID: "peer-1"}, {PeerID: "peer-2", Skipped: true}},
	}

	recorder := httptest.NewRecorder()
	fixture.handler.GetStatus(recorder, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response StatusResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "node-self", response.NodeID)
	require.NotNil(t, response.ChainHead)
	assert.Equal(t, head.SequenceMs, response.ChainHead.SequenceMs)
	assert.Equal(t, head.Hash, response.ChainHead.Hash)
	assert.Equal(t, 1, response.ActiveOperators)
	assert.Equal(t, 1, response.PendingOperators)
	assert.Equal(t, 0, response.Conflicts)
	require.NotNil(t, response.LastRound)
	assert.Equal(t, 2, response.LastRound.Peers)
	assert.Equal(t, 1, response.LastRound.SkippedPeers)
}

func TestHandler_GetStatusBeforeFirstEntryAndRound(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	fixture.handler.GetStatus(recorder, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response StatusResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Nil(t, response.ChainHead)
	assert.Nil(t, response.LastRound)
}

func TestHandler_GetNetworkServesFromCache(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-1", Status: domain.OperatorActive}))

	recorder := httptest.NewRecorder()
	fixture.handler.GetNetwork(recorder, httptest.NewRequest(http.MethodGet, "/v1/network", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	var first NetworkResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &first))
	assert.Equal(t, 1, first.Total)
	assert.Equal(t, 1, first.Active)

	// the new operator is not visible until the cache expires
	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-2", Status: domain.OperatorPending}))
	recorder = httptest.NewRecorder()
	fixture.handler.GetNetwork(recorder, httptest.NewRequest(http.MethodGet, "/v1/network", nil))
	var second NetworkResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &second))
	assert.Equal(t, 1, second.Total)
}

func TestHandler_GetNetworkRebuildsAfterExpiry(t *testing.T) {
	fixture := newHandlerFixture(t, time.Nanosecond)
	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-1", Status: domain.OperatorActive}))

	recorder := httptest.NewRecorder()
	fixture.handler.GetNetwork(recorder, httptest.NewRequest(http.MethodGet, "/v1/network", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	require.NoError(t, fixture.store.PutOperator(&domain.NodeOperator{ID: "operator-2", Status: domain.OperatorPending}))
	time.Sleep(time.Millisecond)
	recorder = httptest.NewRecorder()
	fixture.handler.GetNetwork(recorder, httptest.NewRequest(http.MethodGet, "/v1/network", nil))
	var response NetworkResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Total)
	assert.Equal(t, 1, response.Pending)
}

func TestHandler_GetLedgerEntriesSince(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	first := fixture.appendStatusEntry(t, "operator-1")
	fixture.clock.nowMs = 6_000
	second := fixture.appendStatusEntry(t, "operator-2")

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/ledger-entries?since=5000", nil)
	fixture.handler.GetLedgerEntries(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response LedgerEntriesResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Entries, 1)
	assert.Equal(t, second.Hash, response.Entries[0].Hash)
	assert.Greater(t, response.Entries[0].SequenceMs, first.SequenceMs)
}

func TestHandler_GetLedgerEntriesWithoutSinceReturnsAll(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	fixture.appendStatusEntry(t, "operator-1")

	recorder := httptest.NewRecorder()
	fixture.handler.GetLedgerEntries(recorder, httptest.NewRequest(http.MethodGet, "/v1/sync/ledger-entries", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response LedgerEntriesResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Len(t, response.Entries, 1)
}

func TestHandler_GetLedgerEntriesRejectsBadSince(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/ledger-entries?since=abc", nil)
	fixture.handler.GetLedgerEntries(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHandler_GetTransactionsSince(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	require.NoError(t, fixture.store.PutTransaction(&domain.Transaction{Hash: "tx-old", Currency: "USDC", Amount: 1, CreatedAtMs: 100}))
	require.NoError(t, fixture.store.PutTransaction(&domain.Transaction{Hash: "tx-new", Currency: "USDC", Amount: 2, CreatedAtMs: 200}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/transactions?since=100", nil)
	fixture.handler.GetTransactions(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response TransactionsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Transactions, 1)
	assert.Equal(t, "tx-new", response.Transactions[0].Hash)
}

func TestHandler_GetBetsSince(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	require.NoError(t, fixture.store.PutBet(&domain.Bet{ID: "bet-old", MarketID: "market-1", Status: domain.BetActive, CreatedAtMs: 100}))
	require.NoError(t, fixture.store.PutBet(&domain.Bet{ID: "bet-new", MarketID: "market-1", Status: domain.BetActive, CreatedAtMs: 200}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/bets?since=150", nil)
	fixture.handler.GetBets(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response BetsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Bets, 1)
	assert.Equal(t, "bet-new", response.Bets[0].ID)
}

func TestHandler_PostEventRecordsLiveness(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	event := domain.Event{
		ID:          "event-1",
		Type:        domain.EventNodeStatusChanged,
		NodeID:      "node-remote",
		SubjectID:   "operator-1",
		EmittedAtMs: 4_000,
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	fixture.handler.PostEvent(recorder, request)

	require.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, []string{"node-remote"}, fixture.liveness.seen)
	assert.Equal(t, []string{"node-remote"}, fixture.liveness.reactivated)
	var response EventAcceptedResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Accepted)
}

func TestHandler_PostEventRejectsIncomplete(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte(`{"type":"oracle_consensus"}`)))
	fixture.handler.PostEvent(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, fixture.liveness.seen)
}

func TestHandler_PostEventRejectsGet(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	fixture.handler.PostEvent(recorder, httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestHandler_ValidateLedger(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	fixture.appendStatusEntry(t, "operator-1")

	recorder := httptest.NewRecorder()
	fixture.handler.ValidateLedger(recorder, httptest.NewRequest(http.MethodGet, "/v1/ledger/validate", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ValidateResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Valid)
	assert.Empty(t, response.Error)
}

func TestHandler_ValidateLedgerReportsTampering(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	entry := fixture.appendStatusEntry(t, "operator-1")

	tampered := *entry
	tampered.Payload, _ = domain.EncodePayload(domain.NodeStatusPayload{
		Version:    1,
		OperatorID: "operator-1",
		Previous:   domain.OperatorPending,
		Status:     domain.OperatorRejected,
	})
	require.NoError(t, fixture.store.PutLedgerEntry(&tampered))

	recorder := httptest.NewRecorder()
	fixture.handler.ValidateLedger(recorder, httptest.NewRequest(http.MethodGet, "/v1/ledger/validate", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ValidateResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.False(t, response.Valid)
	assert.NotEmpty(t, response.Error)
}

func TestHandler_GetConflicts(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)
	for _, id := range []string{"conflict-1", "conflict-2"} {
		conflict := domain.ReconciliationConflict{
			ID:           id,
			EntityType:   domain.RecordTransactions,
			EntityKey:    "tx-1",
			SourcePeer:   "peer-1",
			DetectedAtMs: 4_000,
		}
		require.NoError(t, fixture.store.PutConflict(&conflict))
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/conflicts?limit=1", nil)
	fixture.handler.GetConflicts(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ConflictsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Total)
	assert.Len(t, response.Conflicts, 1)
}

func TestHandler_GetConflictsRejectsBadLimit(t *testing.T) {
	fixture := newHandlerFixture(t, time.Minute)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/conflicts?limit=zero", nil)
	fixture.handler.GetConflicts(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
