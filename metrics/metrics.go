package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type OracleNodeMetrics struct {
	ledgerEntriesCount     prometheus.Counter
	chainHeadGauge         prometheus.Gauge
	activeOperatorsGauge   prometheus.Gauge
	pendingOperatorsGauge  prometheus.Gauge
	consensusReachedCount  prometheus.Counter
	resolvedMarketsCount   prometheus.Counter
	rejectedVotesCount     *prometheus.CounterVec
	syncRoundsCount        prometheus.Counter
	syncInsertedCount      *prometheus.CounterVec
	syncConflictsCount     *prometheus.CounterVec
	syncInvalidCount       *prometheus.CounterVec
	skippedPeersGauge      prometheus.Gauge
	reachablePeersGauge    prometheus.Gauge
	lastSyncRoundGauge     prometheus.Gauge
	publishedEventsCount   prometheus.Counter
	unpublishedEventsCount prometheus.Counter
}

func NewOracleNodeMetrics(namespace string) *OracleNodeMetrics {
	m := OracleNodeMetrics{
		// ledger metrics
		ledgerEntriesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ledger_entries_count", namespace),
			Help: "The total number of locally appended ledger entries",
		}),
		chainHeadGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_chain_head_sequence_ms", namespace),
			Help: "The sequence of the local chain head",
		}),
		// consensus metrics
		activeOperatorsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_active_operators", namespace),
			Help: "The number of active node operators",
		}),
		pendingOperatorsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_pending_operators", namespace),
			Help: "The number of operators awaiting admission",
		}),
		consensusReachedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_consensus_reached_count", namespace),
			Help: "The total number of submissions that reached consensus",
		}),
		resolvedMarketsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_resolved_markets_count", namespace),
			Help: "The total number of resolved markets",
		}),
		rejectedVotesCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_votes_count", namespace),
			Help: "The total number of rejected votes by reason",
		}, []string{"reason"}),
		// reconciliation metrics
		syncRoundsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_rounds_count", namespace),
			Help: "The total number of reconciliation rounds",
		}),
		syncInsertedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_inserted_count", namespace),
			Help: "The total number of records inserted by reconciliation",
		}, []string{"record_type"}),
		syncConflictsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_conflicts_count", namespace),
			Help: "The total number of reconciliation conflicts",
		}, []string{"record_type"}),
		syncInvalidCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_invalid_count", namespace),
			Help: "The total number of records that failed validation before insert",
		}, []string{"record_type"}),
		skippedPeersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_skipped_peers", namespace),
			Help: "The number of peers skipped in the last reconciliation round",
		}),
		reachablePeersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_reachable_peers", namespace),
			Help: "The number of peers synced in the last reconciliation round",
		}),
		lastSyncRoundGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_sync_round_ms", namespace),
			Help: "The finish time of the last reconciliation round",
		}),
		// event stream metrics
		publishedEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_published_events_count", namespace),
			Help: "The total number of events published to the event stream",
		}),
		unpublishedEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_unpublished_events_count", namespace),
			Help: "The total number of events that failed to publish",
		}),
	}
	return &m
}

func (metrics *OracleNodeMetrics) IncLedgerEntries() {
	metrics.ledgerEntriesCount.Inc()
}

func (metrics *OracleNodeMetrics) SetChainHead(sequenceMs int64) {
	metrics.chainHeadGauge.Set(float64(sequenceMs))
}

func (metrics *OracleNodeMetrics) SetOperatorCounts(active, pending int) {
	metrics.activeOperatorsGauge.Set(float64(active))
	metrics.pendingOperatorsGauge.Set(float64(pending))
}

func (metrics *OracleNodeMetrics) IncConsensusReached() {
	metrics.consensusReachedCount.Inc()
}

func (metrics *OracleNodeMetrics) IncResolvedMarkets() {
	metrics.resolvedMarketsCount.Inc()
}

func (metrics *OracleNodeMetrics) IncRejectedVotes(reason string) {
	metrics.rejectedVotesCount.WithLabelValues(reason).Inc()
}

func (metrics *OracleNodeMetrics) IncSyncRounds() {
	metrics.syncRoundsCount.Inc()
}

func (metrics *OracleNodeMetrics) AddSyncCounts(recordType string, inserted, conflicts, invalid int) {
	metrics.syncInsertedCount.WithLabelValues(recordType).Add(float64(inserted))
	metrics.syncConflictsCount.WithLabelValues(recordType).Add(float64(conflicts))
	metrics.syncInvalidCount.WithLabelValues(recordType).Add(float64(invalid))
}

func (metrics *OracleNodeMetrics) SetPeerCounts(reachable, skipped int) {
	metrics.reachablePeersGauge.Set(float64(reachable))
	metrics.skippedPeersGauge.Set(float64(skipped))
}

func (metrics *OracleNodeMetrics) SetLastSyncRound(finishedAtMs int64) {
	metrics.lastSyncRoundGauge.Set(float64(finishedAtMs))
}

func (metrics *OracleNodeMetrics) IncPublishedEvents() {
	metrics.publishedEventsCount.Inc()
}

func (metrics *OracleNodeMetrics) IncUnpublishedEvents() {
	metrics.unpublishedEventsCount.Inc()
}
