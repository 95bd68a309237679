package ledger

import (
	"os"
	"testing"
	"time"

	"github.com/forecastnet/oracle-node/db"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FakeClock struct {
	nowMs int64
}

func (c *FakeClock) NowMs() int64 {
	return c.nowMs
}

func testLedger(t *testing.T, nodeID string, clock Clock) (*Ledger, *db.PebbleStore) {
	tempDir, err := os.MkdirTemp("", "ledger_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := db.NewPebbleStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewLedger(store, clock, nodeID), store
}

func statusPayload(t *testing.T, operatorID string) []byte {
	payload, err := domain.EncodePayload(domain.NodeStatusPayload{
		Version:    1,
		OperatorID: operatorID,
		Previous:   domain.OperatorPending,
		Status:     domain.OperatorActive,
	})
	require.NoError(t, err)
	return payload
}

func TestLedger_AppendLinksChain(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, _ := testLedger(t, "node-a", clock)

	first, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.GenesisPrevHash, first.PrevHash)
	assert.Len(t, first.Hash, 64)

	clock.nowMs = 2000
	second, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, int64(2000), second.SequenceMs)

	assert.NoError(t, ledger.ValidateChain("node-a"))
}

func TestLedger_AppendSerializesStalledClock(t *testing.T) {
	clock := &FakeClock{nowMs: 5000}
	ledger, _ := testLedger(t, "node-a", clock)

	first, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	second, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)

	assert.Equal(t, int64(5000), first.SequenceMs)
	assert.Equal(t, int64(5001), second.SequenceMs)
	assert.NoError(t, ledger.ValidateChain("node-a"))
}

func TestLedger_AppendRejectsUnknownEntryType(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})

	_, err := ledger.Append(domain.EntryType("bogus"), statusPayload(t, "op-1"))
	assert.Error(t, err)
}

func TestLedger_ValidateChainEmptyIsValid(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})
	assert.NoError(t, ledger.ValidateChain("node-a"))
}

func TestLedger_ValidateChainDetectsTamperedPayload(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, store := testLedger(t, "node-a", clock)

	entry, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	clock.nowMs = 2000
	_, err = ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)

	tampered := *entry
	tampered.Payload = statusPayload(t, "op-666")
	require.NoError(t, store.PutLedgerEntry(&tampered))

	err = ledger.ValidateChain("node-a")
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
}

func TestLedger_ValidateChainDetectsBrokenLinkage(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, store := testLedger(t, "node-a", clock)

	_, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	clock.nowMs = 2000
	second, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)

	tampered := *second
	tampered.PrevHash = domain.GenesisPrevHash
	hash, err := tampered.Recompute()
	require.NoError(t, err)
	tampered.Hash = hash
	require.NoError(t, store.PutLedgerEntry(&tampered))

	err = ledger.ValidateChain("node-a")
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
}

func TestLedger_MergeExternal(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})

	remote := remoteEntry(t, "node-b", 500, domain.GenesisPrevHash)
	inserted, err := ledger.MergeExternal(remote)
	require.NoError(t, err)
	assert.True(t, inserted)

	// identical entry again is a no-op
	inserted, err = ledger.MergeExternal(remote)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, ledger.ValidateChain("node-b"))
}

func TestLedger_MergeExternalDivergenceIsChainIntegrityError(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})

	remote := remoteEntry(t, "node-b", 500, domain.GenesisPrevHash)
	_, err := ledger.MergeExternal(remote)
	require.NoError(t, err)

	diverged := remoteEntry(t, "node-b", 500, domain.GenesisPrevHash)
	diverged.Payload = statusPayload(t, "op-666")
	hash, err := diverged.Recompute()
	require.NoError(t, err)
	diverged.Hash = hash

	_, err = ledger.MergeExternal(diverged)
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
}

func TestLedger_MergeExternalRequiresContinuity(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})

	head := remoteEntry(t, "node-b", 500, domain.GenesisPrevHash)
	_, err := ledger.MergeExternal(head)
	require.NoError(t, err)

	detached := remoteEntry(t, "node-b", 600, "deadbeef"+domain.GenesisPrevHash[8:])
	_, err = ledger.MergeExternal(detached)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	linked := remoteEntry(t, "node-b", 600, head.Hash)
	inserted, err := ledger.MergeExternal(linked)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestLedger_MergeExternalRejectsTamperedContent(t *testing.T) {
	ledger, _ := testLedger(t, "node-a", &FakeClock{nowMs: 1000})

	remote := remoteEntry(t, "node-b", 500, domain.GenesisPrevHash)
	remote.Payload = statusPayload(t, "op-2") // hash no longer matches

	_, err := ledger.MergeExternal(remote)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestLedger_QueryRangeMergesNodeChains(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, _ := testLedger(t, "node-a", clock)

	_, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	clock.nowMs = 3000
	_, err = ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)

	_, err = ledger.MergeExternal(remoteEntry(t, "node-b", 2000, domain.GenesisPrevHash))
	require.NoError(t, err)

	entries, err := ledger.QueryRange(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1000), entries[0].SequenceMs)
	assert.Equal(t, "node-b", entries[1].NodeID)
	assert.Equal(t, int64(3000), entries[2].SequenceMs)

	bounded, err := ledger.QueryRange(1500, 2500)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, int64(2000), bounded[0].SequenceMs)
}

func TestLedger_EntriesSinceIsStrictlyAfterMarker(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, _ := testLedger(t, "node-a", clock)

	_, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
	require.NoError(t, err)
	clock.nowMs = 2000
	_, err = ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-2"))
	require.NoError(t, err)

	entries, err := ledger.EntriesSince(1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2000), entries[0].SequenceMs)
}

func TestLedger_PruneKeepsChainValid(t *testing.T) {
	clock := &FakeClock{nowMs: 1000}
	ledger, _ := testLedger(t, "node-a", clock)

	for _, now := range []int64{1000, 2000, 3000} {
		clock.nowMs = now
		_, err := ledger.Append(domain.EntryTypeNodeStatusChanged, statusPayload(t, "op-1"))
		require.NoError(t, err)
	}

	clock.nowMs = 10000
	deleted, err := ledger.Prune(8000) // cutoff 2000, drops the 1000 entry
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	entries, err := ledger.QueryRange(0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NoError(t, ledger.ValidateChain("node-a"))
}

func TestStandardClock_AppliesFixedOffset(t *testing.T) {
	clock := NewStandardClock(120)
	shifted := clock.NowMs() - time.Now().UnixMilli()
	assert.InDelta(t, 2*time.Hour.Milliseconds(), shifted, 1000)
}

func remoteEntry(t *testing.T, nodeID string, sequenceMs int64, prevHash string) *domain.TimeLedgerEntry {
	entry := &domain.TimeLedgerEntry{
		NodeID:     nodeID,
		SequenceMs: sequenceMs,
		EntryType:  domain.EntryTypeNodeStatusChanged,
		Payload:    statusPayload(t, "op-1"),
		PrevHash:   prevHash,
	}
	hash, err := entry.Recompute()
	require.NoError(t, err)
	entry.Hash = hash
	return entry
}
