// Package oracle collects outcome attestations for ended markets and settles
// markets once consensus decided what actually happened. Settlement matches
// the decided outcome text against the market's predictions by edit distance.
package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/identity"
	"github.com/forecastnet/oracle-node/metrics"
	"github.com/forecastnet/oracle-node/similarity"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Store interface {
	GetMarket(marketID string) (*domain.Market, error)
	ListPredictionsByMarket(marketID string) ([]domain.Prediction, error)
	ListBetsByMarket(marketID string) ([]domain.Bet, error)
	CommitResolution(market *domain.Market, bets []domain.Bet) error
	ListSubmissionsByMarket(marketID string) ([]domain.OracleSubmission, error)
	PutSubmission(submission *domain.OracleSubmission) error
	GetOperator(operatorID string) (*domain.NodeOperator, error)
}

type Verifier interface {
	Verify(message []byte, signatureHex string, publicKeyHex string) error
}

type AuditLog interface {
	Append(entryType domain.EntryType, payload json.RawMessage) (*domain.TimeLedgerEntry, error)
}

type Announcer interface {
	Announce(event *domain.Event)
}

type Clock interface {
	NowMs() int64
}

type Engine struct {
	store     Store
	verifier  Verifier
	audit     AuditLog
	announcer Announcer
	clock     Clock
	metrics   *metrics.OracleNodeMetrics
	nodeID    string
}

func NewEngine(store Store, verifier Verifier, audit AuditLog, announcer Announcer,
	clock Clock, m *metrics.OracleNodeMetrics, nodeID string) *Engine {
	return &Engine{
		store:     store,
		verifier:  verifier,
		audit:     audit,
		announcer: announcer,
		clock:     clock,
		metrics:   m,
		nodeID:    nodeID,
	}
}

// SubmitStatement records an oracle's attestation of what actually happened
// for a market whose end time has passed. A nil text is the explicit nothing
// happened outcome. One statement per oracle per market.
func (e *Engine) SubmitStatement(marketID, oracleID string, text *string, signatureHex string) (*domain.OracleSubmission, error) {
	oracle, err := e.store.GetOperator(oracleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(domain.ErrUnknownSubject, "oracle [%s]", oracleID)
		}
		return nil, errors.Wrap(err, "loading oracle")
	}
	if oracle.Status != domain.OperatorActive {
		return nil, errors.Wrapf(domain.ErrValidationFailed, "oracle [%s] is [%s], only active operators submit", oracleID, oracle.Status)
	}

	message := identity.SubmissionMessage(marketID, oracleID, text)
	if err := e.verifier.Verify(message, signatureHex, oracle.PublicKey); err != nil {
		return nil, err
	}

	market, err := e.store.GetMarket(marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(domain.ErrUnknownSubject, "market [%s]", marketID)
		}
		return nil, errors.Wrap(err, "loading market")
	}
	now := e.clock.NowMs()
	if market.EndTimeMs > now {
		return nil, errors.Wrapf(domain.ErrValidationFailed, "market [%s] ends at [%d], now is [%d]", marketID, market.EndTimeMs, now)
	}
	if market.Status == domain.MarketResolved || market.Status == domain.MarketRefunded {
		return nil, errors.Wrapf(domain.ErrVotingClosed, "market [%s] is [%s]", marketID, market.Status)
	}

	existing, err := e.store.ListSubmissionsByMarket(marketID)
	if err != nil {
		return nil, errors.Wrap(err, "listing submissions")
	}
	for _, submission := range existing {
		if submission.OracleID == oracleID {
			return nil, errors.Wrapf(domain.ErrValidationFailed, "oracle [%s] already submitted for market [%s]", oracleID, marketID)
		}
	}

	submission := &domain.OracleSubmission{
		ID:          uuid.NewString(),
		MarketID:    marketID,
		OracleID:    oracleID,
		Text:        text,
		Signature:   signatureHex,
		CreatedAtMs: now,
	}
	if err := e.store.PutSubmission(submission); err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "storing submission: %v", err)
	}

	log.Printf("[INFO] oracle [%s] submitted statement for market [%s].", oracleID, marketID)
	return submission, nil
}

// DecideWinner picks the prediction closest to the actual outcome text by
// normalized edit distance. Pure: no stored state is read or written. A nil
// actual text means refund, no winner. Predictions with nil text predict the
// nothing-happened outcome and are skipped against a concrete actual text.
// Equal minimum distances are broken by the lowest prediction id.
func DecideWinner(predictions []domain.Prediction, actualText *string) *domain.Prediction {
	if actualText == nil {
		return nil
	}

	var winner *domain.Prediction
	bestDistance := 0
	for i := range predictions {
		prediction := &predictions[i]
		if prediction.Text == nil {
			continue
		}
		distance := similarity.Distance(*prediction.Text, *actualText)
		if winner == nil ||
			distance < bestDistance ||
			(distance == bestDistance && prediction.ID < winner.ID) {
			winner = prediction
			bestDistance = distance
		}
	}
	return winner
}

// Resolve settles a market against the consensus outcome text: a nil text
// (or a market with no concrete predictions) refunds every active bet at full
// principal, otherwise bets on the winning prediction are marked won and the
// rest lost. Resolving an already settled market is a no-op.
func (e *Engine) Resolve(marketID string, actualText *string) error {
	market, err := e.store.GetMarket(marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errors.Wrapf(domain.ErrUnknownSubject, "market [%s]", marketID)
		}
		return errors.Wrap(err, "loading market")
	}
	if market.Status == domain.MarketResolved || market.Status == domain.MarketRefunded {
		return nil
	}

	predictions, err := e.store.ListPredictionsByMarket(marketID)
	if err != nil {
		return errors.Wrap(err, "listing predictions")
	}
	winner := DecideWinner(predictions, actualText)

	bets, err := e.store.ListBetsByMarket(marketID)
	if err != nil {
		return errors.Wrap(err, "listing bets")
	}
	var settled []domain.Bet
	for _, bet := range bets {
		if bet.Status != domain.BetActive {
			continue
		}
		switch {
		case winner == nil:
			bet.Status = domain.BetRefunded
		case bet.PredictionID == winner.ID:
			bet.Status = domain.BetWon
		default:
			bet.Status = domain.BetLost
		}
		settled = append(settled, bet)
	}

	now := e.clock.NowMs()
	market.ResolvedAtMs = now
	if winner == nil {
		market.Status = domain.MarketRefunded
		market.WinningPredictionID = ""
	} else {
		market.Status = domain.MarketResolved
		market.WinningPredictionID = winner.ID
	}

	if err := e.store.CommitResolution(market, settled); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "committing resolution: %v", err)
	}
	e.metrics.IncResolvedMarkets()

	winnerID := ""
	if winner != nil {
		winnerID = winner.ID
	}
	payload, err := domain.EncodePayload(domain.MarketResolvedPayload{
		Version:        1,
		MarketID:       marketID,
		WinnerID:       winnerID,
		ActualTextHash: hashActualText(actualText),
		ResolvedAtMs:   now,
	})
	if err != nil {
		return errors.Wrap(err, "encoding resolution payload")
	}
	entry, err := e.audit.Append(domain.EntryTypeMarketResolved, payload)
	if err != nil {
		log.Printf("[ERROR] appending resolution audit entry for market [%s]: %v", marketID, err)
	} else {
		e.metrics.IncLedgerEntries()
		e.metrics.SetChainHead(entry.SequenceMs)
		e.announcer.Announce(&domain.Event{
			ID:          uuid.NewString(),
			Type:        domain.EventMarketResolved,
			NodeID:      e.nodeID,
			SubjectID:   marketID,
			Payload:     entry.Payload,
			EmittedAtMs: now,
		})
	}

	log.Printf("[INFO] market [%s] settled as [%s], %d bets touched.", marketID, market.Status, len(settled))
	return nil
}

// hashActualText returns the hex SHA-256 of the normalized outcome text. The
// nil sentinel hashes to the all-zero string so refund entries are
// distinguishable from entries about an empty text.
func hashActualText(actualText *string) string {
	if actualText == nil {
		return domain.ZeroTextHash
	}
	sum := sha256.Sum256([]byte(similarity.Normalize(*actualText)))
	return hex.EncodeToString(sum[:])
}
