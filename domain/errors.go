package domain

import "errors"

// Error kinds returned by the consensus and reconciliation services. Callers
// match them with errors.Is to tell retryable conditions from final ones.
var (
	// ErrNotFound is returned by the store when a requested record does not exist.
	ErrNotFound = errors.New("store resource not found")

	// ErrInvalidSignature marks a vote or submission whose signature does not
	// verify against the claimed signer key. The tally is left unchanged.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDuplicateVote marks a second vote from the same voter on the same
	// subject. The tally is left unchanged.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrUnknownSubject marks a vote or statement for a node, market or
	// submission that does not exist locally.
	ErrUnknownSubject = errors.New("unknown subject")

	// ErrVotingClosed marks a vote on a subject that already reached a
	// terminal state. The vote is ignored, the tally is left unchanged.
	ErrVotingClosed = errors.New("voting closed")

	// ErrChainIntegrity marks a hash mismatch found while validating a
	// time ledger chain.
	ErrChainIntegrity = errors.New("ledger chain integrity violation")

	// ErrQuorumNotReached reports that a tally has not collected enough votes
	// yet. It describes a pending state, not a failure.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrValidationFailed marks rejected input: a financial transaction the
	// external blockchain check refused, a vote from a non active operator, or
	// a statement for a market that has not ended.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNetworkUnavailable marks a peer that could not be reached this round.
	ErrNetworkUnavailable = errors.New("peer network unavailable")

	// ErrStorageFailure marks a failed local write. The in-flight mutation is
	// rolled back completely, no partial state stays observable.
	ErrStorageFailure = errors.New("local store write failed")
)
