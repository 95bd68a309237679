package domain

import "encoding/json"

// MarketStatus is the lifecycle state of a prediction market as seen by this
// subsystem. Markets are owned by the product layer; the oracle node reads
// id, end time and status and writes the resolution outcome back.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
	MarketRefunded MarketStatus = "refunded"
)

// Market is the local view of an externally owned prediction market.
type Market struct {
	ID                  string       `json:"id"`
	Question            string       `json:"question"`
	EndTimeMs           int64        `json:"endTimeMs"`
	Status              MarketStatus `json:"status"`
	WinningPredictionID string       `json:"winningPredictionId,omitempty"`
	ResolvedAtMs        int64        `json:"resolvedAtMs,omitempty"`
}

// Prediction is a participant's predicted outcome text for a market. A nil
// Text predicts that nothing will happen; such predictions are skipped when
// the market resolves to a concrete outcome.
type Prediction struct {
	ID          string  `json:"id"`
	MarketID    string  `json:"marketId"`
	AuthorID    string  `json:"authorId"`
	Text        *string `json:"text"`
	CreatedAtMs int64   `json:"createdAtMs"`
}

// Transaction is a financial transfer backing a bet. Before a transaction
// fetched from a peer is accepted locally it must pass the external
// blockchain check for existence, amount and finality.
type Transaction struct {
	Hash        string `json:"hash"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"` // smallest currency unit
	From        string `json:"from"`
	To          string `json:"to"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// BetStatus is the settlement state of a bet.
type BetStatus string

const (
	BetActive   BetStatus = "active"
	BetRefunded BetStatus = "refunded"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
)

// Bet is a stake placed on a prediction.
type Bet struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"marketId"`
	PredictionID string    `json:"predictionId"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       BetStatus `json:"status"`
	TxHash       string    `json:"txHash"`
	CreatedAtMs  int64     `json:"createdAtMs"`
}

// RecordType names a reconciled record family.
type RecordType string

const (
	RecordLedgerEntries RecordType = "ledger_entries"
	RecordTransactions  RecordType = "transactions"
	RecordBets          RecordType = "bets"
)

// ReconciliationConflict is an append-only audit record of a divergence found
// between a local record and the version a peer returned for the same key.
// Conflicts are never merged automatically.
type ReconciliationConflict struct {
	ID            string          `json:"id"`
	EntityType    RecordType      `json:"entityType"`
	EntityKey     string          `json:"entityKey"`
	LocalVersion  json.RawMessage `json:"localVersion"`
	RemoteVersion json.RawMessage `json:"remoteVersion"`
	Diff          string          `json:"diff,omitempty"`
	SourcePeer    string          `json:"sourcePeer"`
	DetectedAtMs  int64           `json:"detectedAtMs"`
}

// SyncCounts summarizes one record type of one peer in a reconciliation round.
type SyncCounts struct {
	Fetched       int   `json:"fetched"`
	Inserted      int   `json:"inserted"`
	Existing      int   `json:"existing"`
	Conflicts     int   `json:"conflicts"`
	Invalid       int   `json:"invalid"`
	HighWaterMark int64 `json:"highWaterMark"`
}

// PeerReport summarizes one peer in a reconciliation round. A skipped peer
// was unreachable or failed mid round; the rest of the round still ran.
type PeerReport struct {
	PeerID  string                     `json:"peerId"`
	Skipped bool                       `json:"skipped"`
	Reason  string                     `json:"reason,omitempty"`
	Counts  map[RecordType]*SyncCounts `json:"counts"`
}

// RoundReport is the outcome of one full reconciliation round. Partial
// success (some peers synced, some skipped) is a normal outcome.
type RoundReport struct {
	StartedAtMs  int64         `json:"startedAtMs"`
	FinishedAtMs int64         `json:"finishedAtMs"`
	Peers        []*PeerReport `json:"peers"`
}

// SkippedPeers returns the number of peers that were not synced this round.
func (r *RoundReport) SkippedPeers() int {
	var n int
	for _, p := range r.Peers {
		if p.Skipped {
			n++
		}
	}
	return n
}

// EventType names a consensus event announced to peers and published to the
// event stream.
type EventType string

const (
	EventNodeStatusChanged EventType = "node_status_changed"
	EventOracleConsensus   EventType = "oracle_consensus"
	EventMarketResolved    EventType = "market_resolved"
)

// Event is a fire-and-forget announcement of a committed consensus decision.
// Delivery is best effort; peers that miss it converge through reconciliation.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	NodeID      string          `json:"nodeId"`
	SubjectID   string          `json:"subjectId"`
	Payload     json.RawMessage `json:"payload"`
	EmittedAtMs int64           `json:"emittedAtMs"`
}
