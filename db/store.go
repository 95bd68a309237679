// Package db is the local node store. One pebble database holds the node's
// ledger chains, operators, votes, submissions, market data and the
// reconciliation bookkeeping. Multi-key mutations go through pebble batches
// so a failed write never leaves partial state behind.
package db

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

// Key prefixes. Composite keys join string parts with '|'; identifiers never
// contain that character. Numeric key parts are big endian so iteration order
// matches numeric order.
const (
	prefixLedgerEntry   = "le:"
	prefixLedgerHash    = "lh:"
	prefixLedgerNode    = "ln:"
	prefixOperator      = "op:"
	prefixNodeVote      = "nv:"
	prefixSubmission    = "os:"
	prefixMarketSubs    = "om:"
	prefixOracleVote    = "ov:"
	prefixMarket        = "mk:"
	prefixPrediction    = "pr:"
	prefixTransaction   = "tx:"
	prefixBet           = "bt:"
	prefixConflict      = "cf:"
	prefixHighWaterMark = "hw:"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	database, err := pebble.Open(filepath.Join(storeDir, "oracle-node-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}
	return &PebbleStore{db: database}, nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}

// GetHighWaterMark returns the highest marker synced from the given peer for
// the given record type. domain.ErrNotFound before the first sync.
func (ps *PebbleStore) GetHighWaterMark(peerID string, recordType domain.RecordType) (int64, error) {
	value, closer, err := ps.db.Get(highWaterMarkKey(peerID, recordType))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, domain.ErrNotFound
		}
		return 0, errors.Wrapf(err, "getting high water mark for peer [%s] type [%s]", peerID, recordType)
	}
	defer closer.Close()

	return int64(binary.BigEndian.Uint64(value)), nil
}

func (ps *PebbleStore) SetHighWaterMark(peerID string, recordType domain.RecordType, marker int64) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, uint64(marker))

	err := ps.db.Set(highWaterMarkKey(peerID, recordType), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting high water mark for peer [%s] type [%s]", peerID, recordType)
	}
	return nil
}

func highWaterMarkKey(peerID string, recordType domain.RecordType) []byte {
	return []byte(prefixHighWaterMark + peerID + "|" + string(recordType))
}

func (ps *PebbleStore) putJSON(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshalling record")
	}
	if err := ps.db.Set(key, data, pebble.Sync); err != nil {
		return errors.Wrapf(err, "setting key [%s]", string(key))
	}
	return nil
}

func (ps *PebbleStore) getJSON(key []byte, target any) error {
	value, closer, err := ps.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.ErrNotFound
		}
		return errors.Wrapf(err, "getting key [%s]", string(key))
	}
	defer closer.Close()

	if err := json.Unmarshal(value, target); err != nil {
		return errors.Wrapf(err, "unmarshalling record for key [%s]", string(key))
	}
	return nil
}

func batchPutJSON(batch *pebble.Batch, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshalling record")
	}
	if err := batch.Set(key, data, nil); err != nil {
		return errors.Wrapf(err, "batching key [%s]", string(key))
	}
	return nil
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator upper bound.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // whole keyspace
}

func (ps *PebbleStore) prefixIter(prefix string) (*pebble.Iterator, error) {
	lower := []byte(prefix)
	iter, err := ps.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: keyUpperBound(lower)})
	if err != nil {
		return nil, errors.Wrapf(err, "creating iterator for prefix [%s]", prefix)
	}
	return iter, nil
}
