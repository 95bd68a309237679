// Package ledger maintains the append-only time ledger: one hash chain of
// audit entries per node, keyed by millisecond sequence. Entries are never
// updated or deleted, except by retention pruning from the oldest end.
package ledger

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

type Store interface {
	PutLedgerEntry(entry *domain.TimeLedgerEntry) error
	GetLedgerEntry(nodeID string, sequenceMs int64) (*domain.TimeLedgerEntry, error)
	GetLedgerEntryByHash(hash string) (*domain.TimeLedgerEntry, error)
	LastLedgerEntry(nodeID string) (*domain.TimeLedgerEntry, error)
	ListLedgerEntries(nodeID string, startMs, endMs int64) ([]domain.TimeLedgerEntry, error)
	ListLedgerNodes() ([]string, error)
	DeleteLedgerEntriesBefore(cutoffMs int64) (int, error)
}

type Clock interface {
	NowMs() int64
}

// Ledger appends to and validates the local node chain and merges entries
// fetched from peer chains. Appends are serialized; two entries of one node
// never share a sequence.
type Ledger struct {
	store  Store
	clock  Clock
	nodeID string

	appendMu sync.Mutex
}

func NewLedger(store Store, clock Clock, nodeID string) *Ledger {
	return &Ledger{
		store:  store,
		clock:  clock,
		nodeID: nodeID,
	}
}

func (l *Ledger) NodeID() string {
	return l.nodeID
}

// Head returns the newest entry of the local chain, ErrNotFound before the
// first append.
func (l *Ledger) Head() (*domain.TimeLedgerEntry, error) {
	return l.store.LastLedgerEntry(l.nodeID)
}

// Append creates, links and persists a new entry on the local node chain. The
// sequence is the current standard time, bumped past the chain head when the
// clock has not advanced since the previous append.
func (l *Ledger) Append(entryType domain.EntryType, payload json.RawMessage) (*domain.TimeLedgerEntry, error) {
	if err := domain.ValidateEntryPayload(entryType, payload); err != nil {
		return nil, errors.Wrap(err, "validating payload")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	sequence := l.clock.NowMs()
	prevHash := domain.GenesisPrevHash

	last, err := l.store.LastLedgerEntry(l.nodeID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "loading chain head")
	}
	if err == nil {
		prevHash = last.Hash
		if sequence <= last.SequenceMs {
			sequence = last.SequenceMs + 1
		}
	}

	entry := &domain.TimeLedgerEntry{
		NodeID:     l.nodeID,
		SequenceMs: sequence,
		EntryType:  entryType,
		Payload:    payload,
		PrevHash:   prevHash,
	}
	hash, err := entry.Recompute()
	if err != nil {
		return nil, errors.Wrap(err, "hashing entry")
	}
	entry.Hash = hash

	if err := l.store.PutLedgerEntry(entry); err != nil {
		return nil, errors.Wrap(err, "storing entry")
	}
	return entry, nil
}

// VerifyEntry checks an entry in isolation: known type, valid payload and a
// stored hash that matches the recomputed one. Chain linkage is checked by
// ValidateChain, not here.
func (l *Ledger) VerifyEntry(entry *domain.TimeLedgerEntry) error {
	if entry.NodeID == "" {
		return errors.Wrap(domain.ErrValidationFailed, "entry misses node id")
	}
	if err := domain.ValidateEntryPayload(entry.EntryType, entry.Payload); err != nil {
		return errors.Wrapf(domain.ErrValidationFailed, "validating payload: %v", err)
	}
	hash, err := entry.Recompute()
	if err != nil {
		return errors.Wrapf(domain.ErrValidationFailed, "hashing entry: %v", err)
	}
	if hash != entry.Hash {
		return errors.Wrapf(domain.ErrValidationFailed, "entry hash [%s] does not match content hash [%s]", entry.Hash, hash)
	}
	return nil
}

// MergeExternal inserts an entry fetched from a peer chain. Returns false
// without error when an identical entry already exists. An entry that exists
// with different content is reported as ErrChainIntegrity; the caller records
// it as a conflict. An absent entry must extend the local chain of its node:
// its prev hash has to match the local head. A node chain with no local
// entries accepts the first merged entry as its local anchor, so a freshly
// bootstrapped node can join mid history after peers pruned their prefixes.
func (l *Ledger) MergeExternal(entry *domain.TimeLedgerEntry) (bool, error) {
	if err := l.VerifyEntry(entry); err != nil {
		return false, err
	}

	existing, err := l.store.GetLedgerEntry(entry.NodeID, entry.SequenceMs)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, errors.Wrap(err, "checking existing entry")
	}
	if err == nil {
		if existing.Hash == entry.Hash {
			return false, nil
		}
		return false, errors.Wrapf(domain.ErrChainIntegrity,
			"node [%s] sequence [%d] exists with hash [%s], peer sent [%s]",
			entry.NodeID, entry.SequenceMs, existing.Hash, entry.Hash)
	}

	head, err := l.store.LastLedgerEntry(entry.NodeID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, errors.Wrap(err, "loading chain head")
	}
	if err == nil {
		if entry.SequenceMs <= head.SequenceMs {
			return false, errors.Wrapf(domain.ErrValidationFailed,
				"node [%s] sequence [%d] is behind local head [%d]",
				entry.NodeID, entry.SequenceMs, head.SequenceMs)
		}
		if entry.PrevHash != head.Hash {
			return false, errors.Wrapf(domain.ErrValidationFailed,
				"node [%s] sequence [%d] links to [%s], local head is [%s]",
				entry.NodeID, entry.SequenceMs, entry.PrevHash, head.Hash)
		}
	}

	if err := l.store.PutLedgerEntry(entry); err != nil {
		return false, errors.Wrap(err, "storing merged entry")
	}
	return true, nil
}

// ValidateChain walks one node chain in sequence order and checks content
// hashes and linkage. The oldest entry anchors the chain: its prev hash is
// not checked, since retention pruning moves the chain root forward over
// time. An empty chain is valid.
func (l *Ledger) ValidateChain(nodeID string) error {
	entries, err := l.store.ListLedgerEntries(nodeID, 0, 0)
	if err != nil {
		return errors.Wrap(err, "listing chain")
	}

	for i := range entries {
		entry := &entries[i]
		if i > 0 && entry.PrevHash != entries[i-1].Hash {
			return errors.Wrapf(domain.ErrChainIntegrity,
				"node [%s] sequence [%d] links to [%s], expected [%s]",
				nodeID, entry.SequenceMs, entry.PrevHash, entries[i-1].Hash)
		}
		hash, err := entry.Recompute()
		if err != nil {
			return errors.Wrapf(domain.ErrChainIntegrity,
				"node [%s] sequence [%d] is not hashable: %v", nodeID, entry.SequenceMs, err)
		}
		if hash != entry.Hash {
			return errors.Wrapf(domain.ErrChainIntegrity,
				"node [%s] sequence [%d] carries hash [%s], content hashes to [%s]",
				nodeID, entry.SequenceMs, entry.Hash, hash)
		}
	}
	return nil
}

// ValidateAll validates every node chain in the store and returns the first
// integrity violation found.
func (l *Ledger) ValidateAll() error {
	nodes, err := l.store.ListLedgerNodes()
	if err != nil {
		return errors.Wrap(err, "listing chains")
	}
	for _, nodeID := range nodes {
		if err := l.ValidateChain(nodeID); err != nil {
			return err
		}
	}
	return nil
}

// QueryRange returns entries of all node chains with sequence in
// [startMs, endMs], ascending by sequence, ties broken by node id. A zero
// endMs means no upper limit.
func (l *Ledger) QueryRange(startMs, endMs int64) ([]domain.TimeLedgerEntry, error) {
	nodes, err := l.store.ListLedgerNodes()
	if err != nil {
		return nil, errors.Wrap(err, "listing chains")
	}

	var merged []domain.TimeLedgerEntry
	for _, nodeID := range nodes {
		entries, err := l.store.ListLedgerEntries(nodeID, startMs, endMs)
		if err != nil {
			return nil, errors.Wrapf(err, "listing chain of node [%s]", nodeID)
		}
		merged = append(merged, entries...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].SequenceMs != merged[j].SequenceMs {
			return merged[i].SequenceMs < merged[j].SequenceMs
		}
		return merged[i].NodeID < merged[j].NodeID
	})
	return merged, nil
}

// EntriesSince returns entries of all known chains with sequence strictly
// greater than the marker, for serving peer sync requests. Serving merged
// peer chains too lets entries travel the network beyond direct neighbors.
func (l *Ledger) EntriesSince(sinceMs int64) ([]domain.TimeLedgerEntry, error) {
	return l.QueryRange(sinceMs+1, 0)
}

// Prune removes entries older than the retention window across all chains.
// Pruning removes whole chain prefixes, so remaining chains stay valid
// relative to their new oldest entry.
func (l *Ledger) Prune(retentionMs int64) (int, error) {
	cutoff := l.clock.NowMs() - retentionMs
	deleted, err := l.store.DeleteLedgerEntriesBefore(cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "pruning")
	}
	return deleted, nil
}
