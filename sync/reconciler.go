// Package sync runs pull based anti-entropy against the other nodes of the
// network. Per peer and per record type it fetches records newer than the
// persisted high water mark, validates them, inserts what is missing and
// records divergences as conflicts. One unreachable peer never blocks a
// round; partial success is a normal outcome.
package sync

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/metrics"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PeerClient interface {
	FetchLedgerEntries(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.TimeLedgerEntry, error)
	FetchTransactions(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.Transaction, error)
	FetchBets(ctx context.Context, peer *domain.NodeOperator, sinceMs int64) ([]domain.Bet, error)
}

type ChainValidator interface {
	ValidateTransaction(ctx context.Context, hash, currency string, amount int64) error
}

type LedgerMerger interface {
	MergeExternal(entry *domain.TimeLedgerEntry) (bool, error)
}

type Store interface {
	ListOperators() ([]domain.NodeOperator, error)
	GetHighWaterMark(peerID string, recordType domain.RecordType) (int64, error)
	SetHighWaterMark(peerID string, recordType domain.RecordType, marker int64) error
	GetLedgerEntry(nodeID string, sequenceMs int64) (*domain.TimeLedgerEntry, error)
	GetTransaction(hash string) (*domain.Transaction, error)
	PutTransaction(tx *domain.Transaction) error
	GetBet(betID string) (*domain.Bet, error)
	PutBet(bet *domain.Bet) error
	GetMarket(marketID string) (*domain.Market, error)
	PutConflict(conflict *domain.ReconciliationConflict) error
}

type Clock interface {
	NowMs() int64
}

type Config struct {
	FetchTimeout time.Duration
	MaxParallel  int
}

type Reconciler struct {
	store     Store
	peers     PeerClient
	validator ChainValidator
	ledger    LedgerMerger
	clock     Clock
	logger    *zap.SugaredLogger
	metrics   *metrics.OracleNodeMetrics
	config    Config
	nodeID    string

	reportMu   sync.Mutex
	lastReport *domain.RoundReport
}

func NewReconciler(store Store, peers PeerClient, validator ChainValidator, ledger LedgerMerger,
	clock Clock, logger *zap.SugaredLogger, m *metrics.OracleNodeMetrics, config Config, nodeID string) *Reconciler {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	return &Reconciler{
		store:     store,
		peers:     peers,
		validator: validator,
		ledger:    ledger,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		config:    config,
		nodeID:    nodeID,
	}
}

// ReconcileFull runs one round over all record types in their fixed order:
// ledger entries first (they are the audit trail later records reference),
// then transactions, then bets.
func (r *Reconciler) ReconcileFull(ctx context.Context) (*domain.RoundReport, error) {
	return r.runRound(ctx, []domain.RecordType{domain.RecordLedgerEntries, domain.RecordTransactions, domain.RecordBets})
}

func (r *Reconciler) ReconcileLedger(ctx context.Context) (*domain.RoundReport, error) {
	return r.runRound(ctx, []domain.RecordType{domain.RecordLedgerEntries})
}

func (r *Reconciler) ReconcileTransactions(ctx context.Context) (*domain.RoundReport, error) {
	return r.runRound(ctx, []domain.RecordType{domain.RecordTransactions})
}

func (r *Reconciler) ReconcileBets(ctx context.Context) (*domain.RoundReport, error) {
	return r.runRound(ctx, []domain.RecordType{domain.RecordBets})
}

// LastReport returns the report of the most recent round, nil before the
// first one.
func (r *Reconciler) LastReport() *domain.RoundReport {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	return r.lastReport
}

func (r *Reconciler) runRound(ctx context.Context, recordTypes []domain.RecordType) (*domain.RoundReport, error) {
	peerList, err := r.syncablePeers()
	if err != nil {
		return nil, errors.Wrap(err, "listing peers")
	}

	report := &domain.RoundReport{
		StartedAtMs: r.clock.NowMs(),
		Peers:       make([]*domain.PeerReport, len(peerList)),
	}

	var errorGroup errgroup.Group
	errorGroup.SetLimit(r.config.MaxParallel)
	for i := range peerList {
		errorGroup.Go(func() error {
			report.Peers[i] = r.syncPeer(ctx, &peerList[i], recordTypes)
			return nil
		})
	}
	_ = errorGroup.Wait()

	report.FinishedAtMs = r.clock.NowMs()
	r.publishRoundMetrics(report)

	r.reportMu.Lock()
	r.lastReport = report
	r.reportMu.Unlock()

	r.logger.Infow("reconciliation round finished",
		"peers", len(report.Peers),
		"skipped", report.SkippedPeers(),
		"durationMs", report.FinishedAtMs-report.StartedAtMs)
	return report, nil
}

// syncablePeers returns the active operators except this node, in stable id
// order.
func (r *Reconciler) syncablePeers() ([]domain.NodeOperator, error) {
	operators, err := r.store.ListOperators()
	if err != nil {
		return nil, err
	}
	var peerList []domain.NodeOperator
	for _, operator := range operators {
		if operator.ID == r.nodeID || operator.Status != domain.OperatorActive {
			continue
		}
		peerList = append(peerList, operator)
	}
	sort.Slice(peerList, func(i, j int) bool { return peerList[i].ID < peerList[j].ID })
	return peerList, nil
}

// syncPeer runs the requested record types against one peer. The first
// failing record type skips the rest of this peer for the round; completed
// counts stay in the report.
func (r *Reconciler) syncPeer(ctx context.Context, peer *domain.NodeOperator, recordTypes []domain.RecordType) *domain.PeerReport {
	peerReport := &domain.PeerReport{
		PeerID: peer.ID,
		Counts: map[domain.RecordType]*domain.SyncCounts{},
	}

	for _, recordType := range recordTypes {
		var counts *domain.SyncCounts
		var err error
		switch recordType {
		case domain.RecordLedgerEntries:
			counts, err = r.syncLedgerEntries(ctx, peer)
		case domain.RecordTransactions:
			counts, err = r.syncTransactions(ctx, peer)
		case domain.RecordBets:
			counts, err = r.syncBets(ctx, peer)
		}
		if counts != nil {
			peerReport.Counts[recordType] = counts
			r.metrics.AddSyncCounts(string(recordType), counts.Inserted, counts.Conflicts, counts.Invalid)
		}
		if err != nil {
			peerReport.Skipped = true
			peerReport.Reason = err.Error()
			r.logger.Warnw("peer skipped for this round",
				"peer", peer.ID, "recordType", recordType, "error", err)
			break
		}
	}
	return peerReport
}

func (r *Reconciler) syncLedgerEntries(ctx context.Context, peer *domain.NodeOperator) (*domain.SyncCounts, error) {
	marker, err := r.highWaterMark(peer.ID, domain.RecordLedgerEntries)
	if err != nil {
		return nil, err
	}
	counts := &domain.SyncCounts{HighWaterMark: marker}

	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()
	entries, err := r.peers.FetchLedgerEntries(fetchCtx, peer, marker)
	if err != nil {
		return counts, err
	}
	counts.Fetched = len(entries)

	// per node ascending, so merged entries extend their chain in order
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NodeID != entries[j].NodeID {
			return entries[i].NodeID < entries[j].NodeID
		}
		return entries[i].SequenceMs < entries[j].SequenceMs
	})

	newMarker := marker
	for i := range entries {
		entry := &entries[i]
		inserted, err := r.ledger.MergeExternal(entry)
		switch {
		case err == nil && inserted:
			counts.Inserted++
		case err == nil:
			counts.Existing++
		case errors.Is(err, domain.ErrChainIntegrity):
			r.recordEntryConflict(peer.ID, entry)
			counts.Conflicts++
		case errors.Is(err, domain.ErrValidationFailed):
			counts.Invalid++
			r.logger.Warnw("invalid ledger entry skipped",
				"peer", peer.ID, "node", entry.NodeID, "sequenceMs", entry.SequenceMs, "error", err)
		default:
			return counts, errors.Wrap(err, "merging entry")
		}
		if entry.SequenceMs > newMarker {
			newMarker = entry.SequenceMs
		}
	}

	return counts, r.advanceHighWaterMark(peer.ID, domain.RecordLedgerEntries, counts, newMarker)
}

func (r *Reconciler) syncTransactions(ctx context.Context, peer *domain.NodeOperator) (*domain.SyncCounts, error) {
	marker, err := r.highWaterMark(peer.ID, domain.RecordTransactions)
	if err != nil {
		return nil, err
	}
	counts := &domain.SyncCounts{HighWaterMark: marker}

	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()
	txs, err := r.peers.FetchTransactions(fetchCtx, peer, marker)
	if err != nil {
		return counts, err
	}
	counts.Fetched = len(txs)

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAtMs < txs[j].CreatedAtMs })

	newMarker := marker
	for i := range txs {
		remote := &txs[i]
		local, err := r.store.GetTransaction(remote.Hash)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return counts, errors.Wrap(err, "loading transaction")
		}

		if err == nil {
			if diff := cmp.Diff(local, remote); diff != "" {
				r.recordConflict(peer.ID, domain.RecordTransactions, remote.Hash, local, remote, diff)
				counts.Conflicts++
			} else {
				counts.Existing++
			}
			newMarker = maxMarker(newMarker, remote.CreatedAtMs)
			continue
		}

		validateCtx, cancelValidate := context.WithTimeout(ctx, r.config.FetchTimeout)
		err = r.validator.ValidateTransaction(validateCtx, remote.Hash, remote.Currency, remote.Amount)
		cancelValidate()
		if errors.Is(err, domain.ErrNetworkUnavailable) {
			// marker stays behind this record so next round retries it
			r.logger.Warnw("blockchain validator unavailable, rest of transactions deferred",
				"peer", peer.ID, "hash", remote.Hash, "error", err)
			break
		}
		if err != nil {
			counts.Invalid++
			r.logger.Warnw("transaction rejected by blockchain validation",
				"peer", peer.ID, "hash", remote.Hash, "error", err)
			newMarker = maxMarker(newMarker, remote.CreatedAtMs)
			continue
		}

		if err := r.store.PutTransaction(remote); err != nil {
			return counts, errors.Wrap(err, "storing transaction")
		}
		counts.Inserted++
		newMarker = maxMarker(newMarker, remote.CreatedAtMs)
	}

	return counts, r.advanceHighWaterMark(peer.ID, domain.RecordTransactions, counts, newMarker)
}

func (r *Reconciler) syncBets(ctx context.Context, peer *domain.NodeOperator) (*domain.SyncCounts, error) {
	marker, err := r.highWaterMark(peer.ID, domain.RecordBets)
	if err != nil {
		return nil, err
	}
	counts := &domain.SyncCounts{HighWaterMark: marker}

	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()
	bets, err := r.peers.FetchBets(fetchCtx, peer, marker)
	if err != nil {
		return counts, err
	}
	counts.Fetched = len(bets)

	sort.Slice(bets, func(i, j int) bool { return bets[i].CreatedAtMs < bets[j].CreatedAtMs })

	newMarker := marker
	for i := range bets {
		remote := &bets[i]
		newMarker = maxMarker(newMarker, remote.CreatedAtMs)

		local, err := r.store.GetBet(remote.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return counts, errors.Wrap(err, "loading bet")
		}

		if err == nil {
			if diff := cmp.Diff(local, remote); diff != "" {
				r.recordConflict(peer.ID, domain.RecordBets, remote.ID, local, remote, diff)
				counts.Conflicts++
			} else {
				counts.Existing++
			}
			continue
		}

		if _, err := r.store.GetMarket(remote.MarketID); err != nil {
			counts.Invalid++
			r.logger.Warnw("bet references unknown market, skipped",
				"peer", peer.ID, "bet", remote.ID, "market", remote.MarketID)
			continue
		}

		if err := r.store.PutBet(remote); err != nil {
			return counts, errors.Wrap(err, "storing bet")
		}
		counts.Inserted++
	}

	return counts, r.advanceHighWaterMark(peer.ID, domain.RecordBets, counts, newMarker)
}

func (r *Reconciler) highWaterMark(peerID string, recordType domain.RecordType) (int64, error) {
	marker, err := r.store.GetHighWaterMark(peerID, recordType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "loading high water mark")
	}
	return marker, nil
}

func (r *Reconciler) advanceHighWaterMark(peerID string, recordType domain.RecordType, counts *domain.SyncCounts, newMarker int64) error {
	if newMarker == counts.HighWaterMark {
		return nil
	}
	if err := r.store.SetHighWaterMark(peerID, recordType, newMarker); err != nil {
		return errors.Wrap(err, "storing high water mark")
	}
	counts.HighWaterMark = newMarker
	return nil
}

// recordEntryConflict stores the local and remote version of a diverging
// ledger entry. Divergence only fires when a different entry already exists
// at the same node/sequence key; if the local load fails anyway the diff is
// left empty.
func (r *Reconciler) recordEntryConflict(peerID string, remote *domain.TimeLedgerEntry) {
	var local *domain.TimeLedgerEntry
	diff := ""
	if found, err := r.store.GetLedgerEntry(remote.NodeID, remote.SequenceMs); err == nil {
		local = found
		diff = cmp.Diff(local, remote)
	}
	r.recordConflict(peerID, domain.RecordLedgerEntries, entryKey(remote), local, remote, diff)
}

func (r *Reconciler) recordConflict(peerID string, entityType domain.RecordType, key string, local, remote any, diff string) {
	localVersion, err := json.Marshal(local)
	if err != nil {
		r.logger.Errorw("marshalling local conflict version", "error", err)
		return
	}
	remoteVersion, err := json.Marshal(remote)
	if err != nil {
		r.logger.Errorw("marshalling remote conflict version", "error", err)
		return
	}
	conflict := &domain.ReconciliationConflict{
		ID:            uuid.NewString(),
		EntityType:    entityType,
		EntityKey:     key,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		Diff:          diff,
		SourcePeer:    peerID,
		DetectedAtMs:  r.clock.NowMs(),
	}
	if err := r.store.PutConflict(conflict); err != nil {
		r.logger.Errorw("storing conflict", "entityKey", key, "error", err)
		return
	}
	r.logger.Warnw("divergence detected, conflict recorded",
		"entityType", entityType, "entityKey", key, "peer", peerID)
}

func (r *Reconciler) publishRoundMetrics(report *domain.RoundReport) {
	r.metrics.IncSyncRounds()
	skipped := report.SkippedPeers()
	r.metrics.SetPeerCounts(len(report.Peers)-skipped, skipped)
	r.metrics.SetLastSyncRound(report.FinishedAtMs)
}

func maxMarker(current, candidate int64) int64 {
	if candidate > current {
		return candidate
	}
	return current
}

func entryKey(entry *domain.TimeLedgerEntry) string {
	return entry.NodeID + "/" + strconv.FormatInt(entry.SequenceMs, 10)
}
