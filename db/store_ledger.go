package db

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

func ledgerEntryKey(nodeID string, sequenceMs int64) []byte {
	key := []byte(prefixLedgerEntry + nodeID + "|")
	return binary.BigEndian.AppendUint64(key, uint64(sequenceMs))
}

func ledgerHashKey(hash string) []byte {
	return []byte(prefixLedgerHash + hash)
}

// PutLedgerEntry persists an entry together with its hash index record and
// the node set membership in a single batch.
func (ps *PebbleStore) PutLedgerEntry(entry *domain.TimeLedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshalling ledger entry")
	}

	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(ledgerEntryKey(entry.NodeID, entry.SequenceMs), data, nil); err != nil {
		return errors.Wrap(err, "batching ledger entry")
	}
	if err := batch.Set(ledgerHashKey(entry.Hash), ledgerEntryKey(entry.NodeID, entry.SequenceMs), nil); err != nil {
		return errors.Wrap(err, "batching hash index")
	}
	if err := batch.Set([]byte(prefixLedgerNode+entry.NodeID), nil, nil); err != nil {
		return errors.Wrap(err, "batching node set")
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing ledger entry batch")
	}
	return nil
}

func (ps *PebbleStore) GetLedgerEntry(nodeID string, sequenceMs int64) (*domain.TimeLedgerEntry, error) {
	var entry domain.TimeLedgerEntry
	if err := ps.getJSON(ledgerEntryKey(nodeID, sequenceMs), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetLedgerEntryByHash resolves an entry through the hash index.
func (ps *PebbleStore) GetLedgerEntryByHash(hash string) (*domain.TimeLedgerEntry, error) {
	primaryKey, closer, err := ps.db.Get(ledgerHashKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting hash index for [%s]", hash)
	}
	key := make([]byte, len(primaryKey))
	copy(key, primaryKey)
	closer.Close()

	var entry domain.TimeLedgerEntry
	if err := ps.getJSON(key, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// LastLedgerEntry returns the highest sequence entry of the given node chain.
// domain.ErrNotFound when the chain is empty.
func (ps *PebbleStore) LastLedgerEntry(nodeID string) (*domain.TimeLedgerEntry, error) {
	iter, err := ps.prefixIter(prefixLedgerEntry + nodeID + "|")
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, domain.ErrNotFound
	}
	var entry domain.TimeLedgerEntry
	if err := json.Unmarshal(iter.Value(), &entry); err != nil {
		return nil, errors.Wrap(err, "unmarshalling last ledger entry")
	}
	return &entry, nil
}

// ListLedgerNodes returns the ids of all node chains present in the store.
func (ps *PebbleStore) ListLedgerNodes() ([]string, error) {
	iter, err := ps.prefixIter(prefixLedgerNode)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var nodes []string
	for iter.First(); iter.Valid(); iter.Next() {
		nodes = append(nodes, string(iter.Key())[len(prefixLedgerNode):])
	}
	return nodes, nil
}

// ListLedgerEntries returns the entries of one node chain with sequence in
// [startMs, endMs], ascending. A zero endMs means no upper limit.
func (ps *PebbleStore) ListLedgerEntries(nodeID string, startMs, endMs int64) ([]domain.TimeLedgerEntry, error) {
	iter, err := ps.prefixIter(prefixLedgerEntry + nodeID + "|")
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []domain.TimeLedgerEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var entry domain.TimeLedgerEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, errors.Wrap(err, "unmarshalling ledger entry")
		}
		if entry.SequenceMs < startMs {
			continue
		}
		if endMs > 0 && entry.SequenceMs > endMs {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteLedgerEntriesBefore removes all entries older than the cutoff across
// every node chain, hash index records included. Returns the number of
// entries removed.
func (ps *PebbleStore) DeleteLedgerEntriesBefore(cutoffMs int64) (int, error) {
	nodes, err := ps.ListLedgerNodes()
	if err != nil {
		return 0, err
	}

	batch := ps.db.NewBatch()
	defer batch.Close()

	deleted := 0
	for _, nodeID := range nodes {
		entries, err := ps.ListLedgerEntries(nodeID, 0, cutoffMs-1)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			if err := batch.Delete(ledgerEntryKey(entry.NodeID, entry.SequenceMs), nil); err != nil {
				return 0, errors.Wrap(err, "batching entry delete")
			}
			if err := batch.Delete(ledgerHashKey(entry.Hash), nil); err != nil {
				return 0, errors.Wrap(err, "batching hash index delete")
			}
			deleted++
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "committing prune batch")
	}
	return deleted, nil
}
