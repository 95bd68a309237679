package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// EntryType tags a time ledger entry with the payload variant it carries.
// The set is fixed: unknown types are rejected on append and on merge.
type EntryType string

const (
	EntryTypeNodeStatusChanged EntryType = "node_status_changed"
	EntryTypeOracleConsensus   EntryType = "oracle_consensus"
	EntryTypeMarketResolved    EntryType = "market_resolved"
)

// GenesisPrevHash is the prev hash of the first entry of every node chain.
var GenesisPrevHash = strings.Repeat("0", 64)

// ZeroTextHash is recorded as the actual text hash when a market resolves to
// the nothing-happened sentinel instead of an outcome text.
var ZeroTextHash = strings.Repeat("0", 64)

// TimeLedgerEntry is one immutable, hash-chained audit record of a node.
// Hash covers sequence, type, payload, node id and the predecessor hash, so
// any retroactive change to a stored entry breaks chain validation.
type TimeLedgerEntry struct {
	NodeID     string          `json:"nodeId"`
	SequenceMs int64           `json:"sequenceMs"`
	EntryType  EntryType       `json:"entryType"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prevHash"`
	Hash       string          `json:"hash"`
}

// ComputeEntryHash returns the hex encoded SHA-256 over the canonical entry
// fields: big endian sequence, entry type, payload bytes, node id and the raw
// predecessor hash bytes.
func ComputeEntryHash(sequenceMs int64, entryType EntryType, payload []byte, nodeID string, prevHash string) (string, error) {
	prev, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", errors.Wrapf(err, "decoding prev hash [%s]", prevHash)
	}
	if len(prev) != sha256.Size {
		return "", errors.Errorf("prev hash has [%d] bytes, want [%d]", len(prev), sha256.Size)
	}

	h := sha256.New()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequenceMs))
	h.Write(seq[:])
	h.Write([]byte(entryType))
	h.Write(payload)
	h.Write([]byte(nodeID))
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Recompute returns the hash the entry should carry given its stored fields.
func (e *TimeLedgerEntry) Recompute() (string, error) {
	return ComputeEntryHash(e.SequenceMs, e.EntryType, e.Payload, e.NodeID, e.PrevHash)
}

// NodeStatusPayload records an admission state transition of a node operator.
type NodeStatusPayload struct {
	Version    int            `json:"version"`
	OperatorID string         `json:"operatorId"`
	Previous   OperatorStatus `json:"previous"`
	Status     OperatorStatus `json:"status"`
	Approvals  int            `json:"approvals"`
	Rejections int            `json:"rejections"`
}

// OracleConsensusPayload records that an oracle submission reached consensus.
type OracleConsensusPayload struct {
	Version      int    `json:"version"`
	MarketID     string `json:"marketId"`
	SubmissionID string `json:"submissionId"`
	VotesFor     int    `json:"votesFor"`
	VotesAgainst int    `json:"votesAgainst"`
}

// MarketResolvedPayload records the resolution outcome of a market. An empty
// winner id means the market was refunded, not won.
type MarketResolvedPayload struct {
	Version        int    `json:"version"`
	MarketID       string `json:"marketId"`
	WinnerID       string `json:"winnerId,omitempty"`
	ActualTextHash string `json:"actualTextHash"`
	ResolvedAtMs   int64  `json:"resolvedAtMs"`
}

const payloadVersion = 1

// EncodePayload marshals one of the payload variants for storage in an entry.
func EncodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling entry payload")
	}
	return data, nil
}

// ValidateEntryPayload checks that the raw payload decodes into the variant
// belonging to the entry type and carries a known version and the variant's
// required fields. Used on local appends and on entries merged from peers.
func ValidateEntryPayload(entryType EntryType, raw json.RawMessage) error {
	switch entryType {
	case EntryTypeNodeStatusChanged:
		var p NodeStatusPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.Version != payloadVersion {
			return errors.Errorf("unsupported node status payload version [%d]", p.Version)
		}
		if p.OperatorID == "" || p.Status == "" {
			return errors.New("node status payload misses operator id or status")
		}
	case EntryTypeOracleConsensus:
		var p OracleConsensusPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.Version != payloadVersion {
			return errors.Errorf("unsupported oracle consensus payload version [%d]", p.Version)
		}
		if p.MarketID == "" || p.SubmissionID == "" {
			return errors.New("oracle consensus payload misses market or submission id")
		}
	case EntryTypeMarketResolved:
		var p MarketResolvedPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.Version != payloadVersion {
			return errors.Errorf("unsupported market resolved payload version [%d]", p.Version)
		}
		if p.MarketID == "" || p.ActualTextHash == "" {
			return errors.New("market resolved payload misses market id or text hash")
		}
	default:
		return errors.Errorf("unknown entry type [%s]", entryType)
	}
	return nil
}

func decodeStrict(raw json.RawMessage, target any) error {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return errors.Wrap(err, "decoding entry payload")
	}
	return nil
}
