package db

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

func marketKey(marketID string) []byte {
	return []byte(prefixMarket + marketID)
}

func predictionKey(marketID, predictionID string) []byte {
	return []byte(prefixPrediction + marketID + "|" + predictionID)
}

func transactionKey(hash string) []byte {
	return []byte(prefixTransaction + hash)
}

func betKey(betID string) []byte {
	return []byte(prefixBet + betID)
}

func conflictKey(conflict *domain.ReconciliationConflict) []byte {
	key := []byte(prefixConflict)
	key = binary.BigEndian.AppendUint64(key, uint64(conflict.DetectedAtMs))
	return append(key, []byte("|"+conflict.ID)...)
}

func (ps *PebbleStore) PutMarket(market *domain.Market) error {
	return ps.putJSON(marketKey(market.ID), market)
}

func (ps *PebbleStore) GetMarket(marketID string) (*domain.Market, error) {
	var market domain.Market
	if err := ps.getJSON(marketKey(marketID), &market); err != nil {
		return nil, err
	}
	return &market, nil
}

func (ps *PebbleStore) PutPrediction(prediction *domain.Prediction) error {
	return ps.putJSON(predictionKey(prediction.MarketID, prediction.ID), prediction)
}

func (ps *PebbleStore) ListPredictionsByMarket(marketID string) ([]domain.Prediction, error) {
	iter, err := ps.prefixIter(prefixPrediction + marketID + "|")
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var predictions []domain.Prediction
	for iter.First(); iter.Valid(); iter.Next() {
		var prediction domain.Prediction
		if err := json.Unmarshal(iter.Value(), &prediction); err != nil {
			return nil, errors.Wrap(err, "unmarshalling prediction")
		}
		predictions = append(predictions, prediction)
	}
	return predictions, nil
}

func (ps *PebbleStore) PutTransaction(tx *domain.Transaction) error {
	return ps.putJSON(transactionKey(tx.Hash), tx)
}

func (ps *PebbleStore) GetTransaction(hash string) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := ps.getJSON(transactionKey(hash), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactionsSince returns transactions created strictly after sinceMs,
// ascending by creation time.
func (ps *PebbleStore) ListTransactionsSince(sinceMs int64) ([]domain.Transaction, error) {
	iter, err := ps.prefixIter(prefixTransaction)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var txs []domain.Transaction
	for iter.First(); iter.Valid(); iter.Next() {
		var tx domain.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, errors.Wrap(err, "unmarshalling transaction")
		}
		if tx.CreatedAtMs > sinceMs {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAtMs < txs[j].CreatedAtMs
	})
	return txs, nil
}

func (ps *PebbleStore) PutBet(bet *domain.Bet) error {
	return ps.putJSON(betKey(bet.ID), bet)
}

func (ps *PebbleStore) GetBet(betID string) (*domain.Bet, error) {
	var bet domain.Bet
	if err := ps.getJSON(betKey(betID), &bet); err != nil {
		return nil, err
	}
	return &bet, nil
}

func (ps *PebbleStore) ListBetsByMarket(marketID string) ([]domain.Bet, error) {
	bets, err := ps.listBets()
	if err != nil {
		return nil, err
	}

	var matched []domain.Bet
	for _, bet := range bets {
		if bet.MarketID == marketID {
			matched = append(matched, bet)
		}
	}
	return matched, nil
}

// ListBetsSince returns bets created strictly after sinceMs, ascending by
// creation time.
func (ps *PebbleStore) ListBetsSince(sinceMs int64) ([]domain.Bet, error) {
	bets, err := ps.listBets()
	if err != nil {
		return nil, err
	}

	var matched []domain.Bet
	for _, bet := range bets {
		if bet.CreatedAtMs > sinceMs {
			matched = append(matched, bet)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAtMs < matched[j].CreatedAtMs
	})
	return matched, nil
}

func (ps *PebbleStore) listBets() ([]domain.Bet, error) {
	iter, err := ps.prefixIter(prefixBet)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var bets []domain.Bet
	for iter.First(); iter.Valid(); iter.Next() {
		var bet domain.Bet
		if err := json.Unmarshal(iter.Value(), &bet); err != nil {
			return nil, errors.Wrap(err, "unmarshalling bet")
		}
		bets = append(bets, bet)
	}
	return bets, nil
}

// CommitResolution persists the resolved market together with all settled
// bets in one batch.
func (ps *PebbleStore) CommitResolution(market *domain.Market, bets []domain.Bet) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batchPutJSON(batch, marketKey(market.ID), market); err != nil {
		return err
	}
	for i := range bets {
		if err := batchPutJSON(batch, betKey(bets[i].ID), &bets[i]); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing resolution batch")
	}
	return nil
}

func (ps *PebbleStore) PutConflict(conflict *domain.ReconciliationConflict) error {
	return ps.putJSON(conflictKey(conflict), conflict)
}

// ListConflicts returns recorded conflicts ascending by detection time, up to
// limit. A zero limit means no limit.
func (ps *PebbleStore) ListConflicts(limit int) ([]domain.ReconciliationConflict, error) {
	iter, err := ps.prefixIter(prefixConflict)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var conflicts []domain.ReconciliationConflict
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(conflicts) == limit {
			break
		}
		var conflict domain.ReconciliationConflict
		if err := json.Unmarshal(iter.Value(), &conflict); err != nil {
			return nil, errors.Wrap(err, "unmarshalling conflict")
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

func (ps *PebbleStore) CountConflicts() (int, error) {
	iter, err := ps.prefixIter(prefixConflict)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, nil
}
