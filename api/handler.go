// Package api serves the node's public HTTP endpoints: health and status,
// the sync feeds peers pull records from, the event intake and the ledger
// inspection routes.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const networkKey = "network"

type LedgerProvider interface {
	NodeID() string
	Head() (*domain.TimeLedgerEntry, error)
	EntriesSince(sinceMs int64) ([]domain.TimeLedgerEntry, error)
	ValidateAll() error
}

type RecordProvider interface {
	ListOperators() ([]domain.NodeOperator, error)
	ListTransactionsSince(sinceMs int64) ([]domain.Transaction, error)
	ListBetsSince(sinceMs int64) ([]domain.Bet, error)
	ListConflicts(limit int) ([]domain.ReconciliationConflict, error)
	CountConflicts() (int, error)
}

type PeerLiveness interface {
	RecordSeen(operatorID string)
	Reactivate(operatorID string) error
}

type ReportProvider interface {
	LastReport() *domain.RoundReport
}

type Handler struct {
	ledger       LedgerProvider
	records      RecordProvider
	liveness     PeerLiveness
	reports      ReportProvider
	networkCache *ttlcache.Cache[string, *NetworkResponse]
	networkLock  sync.Mutex
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ChainHead struct {
	SequenceMs int64  `json:"sequenceMs"`
	Hash       string `json:"hash"`
}

type RoundSummary struct {
	StartedAtMs  int64 `json:"startedAtMs"`
	FinishedAtMs int64 `json:"finishedAtMs"`
	Peers        int   `json:"peers"`
	SkippedPeers int   `json:"skippedPeers"`
}

type StatusResponse struct {
	NodeID           string        `json:"nodeId"`
	ChainHead        *ChainHead    `json:"chainHead,omitempty"`
	ActiveOperators  int           `json:"activeOperators"`
	PendingOperators int           `json:"pendingOperators"`
	Conflicts        int           `json:"conflicts"`
	LastRound        *RoundSummary `json:"lastRound,omitempty"`
}

type OperatorSummary struct {
	ID         string                `json:"id"`
	Endpoint   string                `json:"endpoint,omitempty"`
	Status     domain.OperatorStatus `json:"status"`
	Approvals  int                   `json:"approvals"`
	Rejections int                   `json:"rejections"`
	LastSeenMs int64                 `json:"lastSeenMs,omitempty"`
}

type NetworkResponse struct {
	Total     int               `json:"total"`
	Active    int               `json:"active"`
	Pending   int               `json:"pending"`
	Operators []OperatorSummary `json:"operators"`
}

type LedgerEntriesResponse struct {
	Entries []domain.TimeLedgerEntry `json:"entries"`
}

type TransactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
}

type BetsResponse struct {
	Bets []domain.Bet `json:"bets"`
}

type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type ConflictsResponse struct {
	Total     int                             `json:"total"`
	Conflicts []domain.ReconciliationConflict `json:"conflicts"`
}

type EventAcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func NewHandler(ledger LedgerProvider, records RecordProvider, liveness PeerLiveness, reports ReportProvider,
	networkCache *ttlcache.Cache[string, *NetworkResponse]) *Handler {
	return &Handler{
		ledger:       ledger,
		records:      records,
		liveness:     liveness,
		reports:      reports,
		networkCache: networkCache,
	}
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{Status: "UP"})
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	response := StatusResponse{NodeID: h.ledger.NodeID()}

	head, err := h.ledger.Head()
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Printf("Error getting chain head: %v", err)
		http.Error(w, "Error getting chain head", 500)
		return
	}
	if err == nil {
		response.ChainHead = &ChainHead{SequenceMs: head.SequenceMs, Hash: head.Hash}
	}

	operators, err := h.records.ListOperators()
	if err != nil {
		log.Printf("Error listing operators: %v", err)
		http.Error(w, "Error listing operators", 500)
		return
	}
	for _, operator := range operators {
		switch operator.Status {
		case domain.OperatorActive:
			response.ActiveOperators++
		case domain.OperatorPending:
			response.PendingOperators++
		}
	}

	conflicts, err := h.records.CountConflicts()
	if err != nil {
		log.Printf("Error counting conflicts: %v", err)
		http.Error(w, "Error counting conflicts", 500)
		return
	}
	response.Conflicts = conflicts

	if report := h.reports.LastReport(); report != nil {
		response.LastRound = &RoundSummary{
			StartedAtMs:  report.StartedAtMs,
			FinishedAtMs: report.FinishedAtMs,
			Peers:        len(report.Peers),
			SkippedPeers: report.SkippedPeers(),
		}
	}

	writeJSON(w, response)
}

func (h *Handler) GetNetwork(w http.ResponseWriter, _ *http.Request) {
	response, err := h.getNetworkResponse()
	if err != nil {
		log.Printf("Error building network response: %v", err)
		http.Error(w, "Error building network response", 500)
		return
	}
	writeJSON(w, response)
}

// getNetworkResponse serves the operator overview from the cache and
// rebuilds it at most once per ttl.
func (h *Handler) getNetworkResponse() (*NetworkResponse, error) {
	h.networkLock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer h.networkLock.Unlock()

	item := h.networkCache.Get(networkKey)
	if item != nil {
		return item.Value(), nil
	}

	operators, err := h.records.ListOperators()
	if err != nil {
		return nil, errors.Wrap(err, "listing operators")
	}
	response := &NetworkResponse{Operators: make([]OperatorSummary, 0, len(operators))}
	for _, operator := range operators {
		response.Total++
		switch operator.Status {
		case domain.OperatorActive:
			response.Active++
		case domain.OperatorPending:
			response.Pending++
		}
		response.Operators = append(response.Operators, OperatorSummary{
			ID:         operator.ID,
			Endpoint:   operator.Endpoint,
			Status:     operator.Status,
			Approvals:  operator.Approvals,
			Rejections: operator.Rejections,
			LastSeenMs: operator.LastSeenMs,
		})
	}
	h.networkCache.Set(networkKey, response, ttlcache.DefaultTTL)
	return response, nil
}

func (h *Handler) GetLedgerEntries(w http.ResponseWriter, r *http.Request) {
	sinceMs, err := parseSince(r)
	if err != nil {
		http.Error(w, "Invalid since parameter", 400)
		return
	}
	entries, err := h.ledger.EntriesSince(sinceMs)
	if err != nil {
		log.Printf("Error listing ledger entries: %v", err)
		http.Error(w, "Error listing ledger entries", 500)
		return
	}
	if entries == nil {
		entries = []domain.TimeLedgerEntry{}
	}
	writeJSON(w, LedgerEntriesResponse{Entries: entries})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	sinceMs, err := parseSince(r)
	if err != nil {
		http.Error(w, "Invalid since parameter", 400)
		return
	}
	txs, err := h.records.ListTransactionsSince(sinceMs)
	if err != nil {
		log.Printf("Error listing transactions: %v", err)
		http.Error(w, "Error listing transactions", 500)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, TransactionsResponse{Transactions: txs})
}

func (h *Handler) GetBets(w http.ResponseWriter, r *http.Request) {
	sinceMs, err := parseSince(r)
	if err != nil {
		http.Error(w, "Invalid since parameter", 400)
		return
	}
	bets, err := h.records.ListBetsSince(sinceMs)
	if err != nil {
		log.Printf("Error listing bets: %v", err)
		http.Error(w, "Error listing bets", 500)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, BetsResponse{Bets: bets})
}

// PostEvent accepts a consensus event broadcast by a peer. The payload is
// informational, peers converge through reconciliation; receiving an event
// counts as a liveness signal of the sender.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var event domain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid event", 400)
		return
	}
	if event.NodeID == "" || event.Type == "" {
		http.Error(w, "Event misses node id or type", 400)
		return
	}

	h.liveness.RecordSeen(event.NodeID)
	if err := h.liveness.Reactivate(event.NodeID); err != nil && !errors.Is(err, domain.ErrUnknownSubject) {
		log.Printf("[WARN] reactivating operator [%s]: %v", event.NodeID, err)
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(EventAcceptedResponse{Accepted: true}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (h *Handler) ValidateLedger(w http.ResponseWriter, _ *http.Request) {
	err := h.ledger.ValidateAll()
	if err != nil {
		if errors.Is(err, domain.ErrChainIntegrity) {
			writeJSON(w, ValidateResponse{Valid: false, Error: err.Error()})
			return
		}
		log.Printf("Error validating ledger: %v", err)
		http.Error(w, "Error validating ledger", 500)
		return
	}
	writeJSON(w, ValidateResponse{Valid: true})
}

func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "Invalid limit parameter", 400)
			return
		}
		limit = parsed
	}

	total, err := h.records.CountConflicts()
	if err != nil {
		log.Printf("Error counting conflicts: %v", err)
		http.Error(w, "Error counting conflicts", 500)
		return
	}
	conflicts, err := h.records.ListConflicts(limit)
	if err != nil {
		log.Printf("Error listing conflicts: %v", err)
		http.Error(w, "Error listing conflicts", 500)
		return
	}
	if conflicts == nil {
		conflicts = []domain.ReconciliationConflict{}
	}
	writeJSON(w, ConflictsResponse{Total: total, Conflicts: conflicts})
}

func parseSince(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, response any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
	}
}
