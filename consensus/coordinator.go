// Package consensus runs the two threshold voting flows of the network: node
// admission and oracle submission consensus. Both share one tally engine.
// Tally mutations for a subject are serialized and committed atomically, so
// duplicate checks, counter increments and quorum checks are never observable
// as separate steps.
package consensus

import (
	"encoding/json"
	"log"
	"math"
	"sync"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/identity"
	"github.com/forecastnet/oracle-node/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultMinQuorum          = 3
	DefaultConsensusThreshold = 0.66
)

type Store interface {
	GetOperator(operatorID string) (*domain.NodeOperator, error)
	PutOperator(operator *domain.NodeOperator) error
	ListOperators() ([]domain.NodeOperator, error)
	GetNodeVote(subjectID, voterID string) (*domain.NodeVote, error)
	CommitNodeVote(vote *domain.NodeVote, subject *domain.NodeOperator) error
	GetSubmission(submissionID string) (*domain.OracleSubmission, error)
	PutSubmission(submission *domain.OracleSubmission) error
	ListSubmissionsByMarket(marketID string) ([]domain.OracleSubmission, error)
	GetOracleVote(submissionID, voterID string) (*domain.OracleVote, error)
	CommitOracleVote(vote *domain.OracleVote, submission *domain.OracleSubmission) error
	GetMarket(marketID string) (*domain.Market, error)
}

type Verifier interface {
	Verify(message []byte, signatureHex string, publicKeyHex string) error
}

type AuditLog interface {
	Append(entryType domain.EntryType, payload json.RawMessage) (*domain.TimeLedgerEntry, error)
}

type Resolver interface {
	Resolve(marketID string, actualText *string) error
}

type Announcer interface {
	Announce(event *domain.Event)
}

type Clock interface {
	NowMs() int64
}

type Config struct {
	MinQuorum          int
	ConsensusThreshold float64
}

type Coordinator struct {
	store     Store
	verifier  Verifier
	audit     AuditLog
	resolver  Resolver
	announcer Announcer
	clock     Clock
	metrics   *metrics.OracleNodeMetrics
	config    Config
	nodeID    string

	locks subjectLocks
}

func NewCoordinator(store Store, verifier Verifier, audit AuditLog, resolver Resolver,
	announcer Announcer, clock Clock, m *metrics.OracleNodeMetrics, config Config, nodeID string) *Coordinator {
	if config.MinQuorum <= 0 {
		config.MinQuorum = DefaultMinQuorum
	}
	if config.ConsensusThreshold <= 0 {
		config.ConsensusThreshold = DefaultConsensusThreshold
	}
	return &Coordinator{
		store:     store,
		verifier:  verifier,
		audit:     audit,
		resolver:  resolver,
		announcer: announcer,
		clock:     clock,
		metrics:   m,
		config:    config,
		nodeID:    nodeID,
		locks:     subjectLocks{locks: map[string]*sync.Mutex{}},
	}
}

// ProposeNode registers a candidate operator in pending state. The candidate
// stays pending until admission voting moves it to a terminal state.
func (c *Coordinator) ProposeNode(operatorID, publicKeyHex, endpoint string) (*domain.NodeOperator, error) {
	unlock := c.locks.lock(operatorID)
	defer unlock()

	_, err := c.store.GetOperator(operatorID)
	if err == nil {
		return nil, errors.Wrapf(domain.ErrValidationFailed, "operator [%s] already proposed", operatorID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "checking operator")
	}

	now := c.clock.NowMs()
	operator := &domain.NodeOperator{
		ID:           operatorID,
		PublicKey:    publicKeyHex,
		Endpoint:     endpoint,
		Status:       domain.OperatorPending,
		ProposedAtMs: now,
		LastSeenMs:   now,
	}
	if err := c.store.PutOperator(operator); err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "storing operator: %v", err)
	}

	c.publishOperatorCounts()
	log.Printf("[INFO] proposed operator [%s] at endpoint [%s].", operatorID, endpoint)
	return operator, nil
}

// VoteOnNode counts one admission vote. The subject transitions to active or
// rejected once the matching counter reaches the admission bound; terminal
// states never transition again.
func (c *Coordinator) VoteOnNode(vote *domain.NodeVote) (*domain.NodeOperator, error) {
	if vote.Choice != domain.VoteApprove && vote.Choice != domain.VoteReject {
		c.metrics.IncRejectedVotes("invalid_choice")
		return nil, errors.Wrapf(domain.ErrValidationFailed, "admission votes are approve or reject, got [%s]", vote.Choice)
	}

	unlock := c.locks.lock(vote.SubjectID)
	defer unlock()

	subject, err := c.store.GetOperator(vote.SubjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.metrics.IncRejectedVotes("unknown_subject")
			return nil, errors.Wrapf(domain.ErrUnknownSubject, "operator [%s]", vote.SubjectID)
		}
		return nil, errors.Wrap(err, "loading subject")
	}

	voter, err := c.activeVoter(vote.VoterID)
	if err != nil {
		return nil, err
	}

	message := identity.NodeVoteMessage(vote.VoterID, vote.SubjectID, vote.Choice)
	if err := c.verifier.Verify(message, vote.Signature, voter.PublicKey); err != nil {
		c.metrics.IncRejectedVotes("invalid_signature")
		return nil, err
	}

	if subject.AdmissionDecided() {
		c.metrics.IncRejectedVotes("voting_closed")
		return nil, errors.Wrapf(domain.ErrVotingClosed, "operator [%s] is [%s]", subject.ID, subject.Status)
	}

	_, err = c.store.GetNodeVote(vote.SubjectID, vote.VoterID)
	if err == nil {
		c.metrics.IncRejectedVotes("duplicate")
		return nil, errors.Wrapf(domain.ErrDuplicateVote, "voter [%s] already voted on [%s]", vote.VoterID, vote.SubjectID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "checking for duplicate vote")
	}

	updated := *subject
	if vote.Choice == domain.VoteApprove {
		updated.Approvals++
	} else {
		updated.Rejections++
	}

	bound, err := c.admissionBound()
	if err != nil {
		return nil, err
	}
	previous := updated.Status
	switch {
	case updated.Approvals >= bound:
		updated.Status = domain.OperatorActive
	case updated.Rejections >= bound:
		updated.Status = domain.OperatorRejected
	}

	vote.CastAtMs = c.clock.NowMs()
	if err := c.store.CommitNodeVote(vote, &updated); err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "committing vote: %v", err)
	}

	if updated.Status != previous {
		c.recordStatusChange(&updated, previous)
	}
	return &updated, nil
}

// VoteOnSubmission counts one oracle outcome vote. Once a submission meets
// quorum and threshold the best qualifying submission of the market is chosen
// and resolution is invoked with its text.
func (c *Coordinator) VoteOnSubmission(vote *domain.OracleVote) (*domain.OracleSubmission, error) {
	if vote.Choice != domain.VoteFor && vote.Choice != domain.VoteAgainst {
		c.metrics.IncRejectedVotes("invalid_choice")
		return nil, errors.Wrapf(domain.ErrValidationFailed, "submission votes are for or against, got [%s]", vote.Choice)
	}

	submission, err := c.store.GetSubmission(vote.SubmissionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.metrics.IncRejectedVotes("unknown_subject")
			return nil, errors.Wrapf(domain.ErrUnknownSubject, "submission [%s]", vote.SubmissionID)
		}
		return nil, errors.Wrap(err, "loading submission")
	}

	// cross submission decisions of one market are serialized together
	unlock := c.locks.lock(submission.MarketID)
	defer unlock()

	submission, err = c.store.GetSubmission(vote.SubmissionID)
	if err != nil {
		return nil, errors.Wrap(err, "reloading submission")
	}

	voter, err := c.activeVoter(vote.VoterID)
	if err != nil {
		return nil, err
	}

	message := identity.OracleVoteMessage(vote.VoterID, vote.SubmissionID, vote.Choice)
	if err := c.verifier.Verify(message, vote.Signature, voter.PublicKey); err != nil {
		c.metrics.IncRejectedVotes("invalid_signature")
		return nil, err
	}

	if submission.ConsensusReached {
		c.metrics.IncRejectedVotes("voting_closed")
		return nil, errors.Wrapf(domain.ErrVotingClosed, "submission [%s] reached consensus", submission.ID)
	}
	market, err := c.store.GetMarket(submission.MarketID)
	if err != nil {
		return nil, errors.Wrap(err, "loading market")
	}
	if market.Status == domain.MarketResolved || market.Status == domain.MarketRefunded {
		c.metrics.IncRejectedVotes("voting_closed")
		return nil, errors.Wrapf(domain.ErrVotingClosed, "market [%s] is [%s]", market.ID, market.Status)
	}

	_, err = c.store.GetOracleVote(vote.SubmissionID, vote.VoterID)
	if err == nil {
		c.metrics.IncRejectedVotes("duplicate")
		return nil, errors.Wrapf(domain.ErrDuplicateVote, "voter [%s] already voted on [%s]", vote.VoterID, vote.SubmissionID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "checking for duplicate vote")
	}

	updated := *submission
	if vote.Choice == domain.VoteFor {
		updated.VotesFor++
	} else {
		updated.VotesAgainst++
	}

	vote.CastAtMs = c.clock.NowMs()
	if err := c.store.CommitOracleVote(vote, &updated); err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "committing vote: %v", err)
	}

	if c.qualifies(&updated) {
		if err := c.concludeMarket(updated.MarketID); err != nil {
			log.Printf("[ERROR] concluding market [%s]: %v", updated.MarketID, err)
		}
	}
	return &updated, nil
}

// qualifies reports whether a submission meets quorum and threshold.
func (c *Coordinator) qualifies(submission *domain.OracleSubmission) bool {
	return submission.TotalVotes() >= c.config.MinQuorum &&
		submission.ForRatio() >= c.config.ConsensusThreshold
}

// concludeMarket picks the qualifying submission with the highest for-ratio
// (ties broken by lowest submission id), marks it as consensus, writes the
// audit entry and hands the text to the resolution engine.
func (c *Coordinator) concludeMarket(marketID string) error {
	submissions, err := c.store.ListSubmissionsByMarket(marketID)
	if err != nil {
		return errors.Wrap(err, "listing submissions")
	}

	var winner *domain.OracleSubmission
	for i := range submissions {
		candidate := &submissions[i]
		if !c.qualifies(candidate) {
			continue
		}
		if winner == nil ||
			candidate.ForRatio() > winner.ForRatio() ||
			(candidate.ForRatio() == winner.ForRatio() && candidate.ID < winner.ID) {
			winner = candidate
		}
	}
	if winner == nil {
		return errors.Wrapf(domain.ErrQuorumNotReached, "market [%s]", marketID)
	}

	winner.ConsensusReached = true
	if err := c.store.PutSubmission(winner); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "marking consensus: %v", err)
	}
	c.metrics.IncConsensusReached()

	payload, err := domain.EncodePayload(domain.OracleConsensusPayload{
		Version:      1,
		MarketID:     marketID,
		SubmissionID: winner.ID,
		VotesFor:     winner.VotesFor,
		VotesAgainst: winner.VotesAgainst,
	})
	if err != nil {
		return errors.Wrap(err, "encoding consensus payload")
	}
	entry, err := c.audit.Append(domain.EntryTypeOracleConsensus, payload)
	if err != nil {
		log.Printf("[ERROR] appending consensus audit entry for market [%s]: %v", marketID, err)
	} else {
		c.metrics.IncLedgerEntries()
		c.metrics.SetChainHead(entry.SequenceMs)
		c.announcer.Announce(&domain.Event{
			ID:          uuid.NewString(),
			Type:        domain.EventOracleConsensus,
			NodeID:      c.nodeID,
			SubjectID:   winner.ID,
			Payload:     entry.Payload,
			EmittedAtMs: c.clock.NowMs(),
		})
	}

	log.Printf("[INFO] market [%s] reached consensus on submission [%s] (%d for, %d against).",
		marketID, winner.ID, winner.VotesFor, winner.VotesAgainst)

	if err := c.resolver.Resolve(marketID, winner.Text); err != nil {
		return errors.Wrap(err, "resolving market")
	}
	return nil
}

// RecordSeen refreshes the liveness timestamp of an operator.
func (c *Coordinator) RecordSeen(operatorID string) {
	unlock := c.locks.lock(operatorID)
	defer unlock()

	operator, err := c.store.GetOperator(operatorID)
	if err != nil {
		return
	}
	operator.LastSeenMs = c.clock.NowMs()
	if err := c.store.PutOperator(operator); err != nil {
		log.Printf("[WARN] updating last seen of [%s]: %v", operatorID, err)
	}
}

// SweepStale marks active operators unseen for longer than the window as
// inactive. Inactive operators rejoin by being seen again, not by another
// admission vote.
func (c *Coordinator) SweepStale(windowMs int64) (int, error) {
	operators, err := c.store.ListOperators()
	if err != nil {
		return 0, errors.Wrap(err, "listing operators")
	}

	cutoff := c.clock.NowMs() - windowMs
	swept := 0
	for i := range operators {
		operator := operators[i]
		if operator.Status != domain.OperatorActive || operator.LastSeenMs >= cutoff {
			continue
		}
		unlock := c.locks.lock(operator.ID)
		current, err := c.store.GetOperator(operator.ID)
		if err != nil || current.Status != domain.OperatorActive || current.LastSeenMs >= cutoff {
			unlock()
			continue
		}
		current.Status = domain.OperatorInactive
		err = c.store.PutOperator(current)
		unlock()
		if err != nil {
			log.Printf("[ERROR] marking operator [%s] inactive: %v", operator.ID, err)
			continue
		}
		c.recordStatusChange(current, domain.OperatorActive)
		swept++
	}
	return swept, nil
}

// Reactivate moves an inactive operator back to active after it was seen
// again. Terminal admission states are not touched.
func (c *Coordinator) Reactivate(operatorID string) error {
	unlock := c.locks.lock(operatorID)
	defer unlock()

	operator, err := c.store.GetOperator(operatorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errors.Wrapf(domain.ErrUnknownSubject, "operator [%s]", operatorID)
		}
		return errors.Wrap(err, "loading operator")
	}
	if operator.Status != domain.OperatorInactive {
		return nil
	}
	operator.Status = domain.OperatorActive
	operator.LastSeenMs = c.clock.NowMs()
	if err := c.store.PutOperator(operator); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "storing operator: %v", err)
	}
	c.recordStatusChange(operator, domain.OperatorInactive)
	return nil
}

func (c *Coordinator) activeVoter(voterID string) (*domain.NodeOperator, error) {
	voter, err := c.store.GetOperator(voterID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.metrics.IncRejectedVotes("unknown_voter")
			return nil, errors.Wrapf(domain.ErrUnknownSubject, "voter [%s]", voterID)
		}
		return nil, errors.Wrap(err, "loading voter")
	}
	if voter.Status != domain.OperatorActive {
		c.metrics.IncRejectedVotes("voter_not_active")
		return nil, errors.Wrapf(domain.ErrValidationFailed, "voter [%s] is [%s], only active operators vote", voterID, voter.Status)
	}
	return voter, nil
}

// admissionBound returns the approvals (or rejections) needed for an
// admission decision: ceil(active operators * threshold), at least one so a
// bootstrapping network can admit its first peers.
func (c *Coordinator) admissionBound() (int, error) {
	operators, err := c.store.ListOperators()
	if err != nil {
		return 0, errors.Wrap(err, "listing operators")
	}
	active := 0
	for _, operator := range operators {
		if operator.Status == domain.OperatorActive {
			active++
		}
	}
	bound := int(math.Ceil(float64(active) * c.config.ConsensusThreshold))
	if bound < 1 {
		bound = 1
	}
	return bound, nil
}

func (c *Coordinator) recordStatusChange(operator *domain.NodeOperator, previous domain.OperatorStatus) {
	log.Printf("[INFO] operator [%s] transitioned [%s] -> [%s] (%d approvals, %d rejections).",
		operator.ID, previous, operator.Status, operator.Approvals, operator.Rejections)
	c.publishOperatorCounts()

	payload, err := domain.EncodePayload(domain.NodeStatusPayload{
		Version:    1,
		OperatorID: operator.ID,
		Previous:   previous,
		Status:     operator.Status,
		Approvals:  operator.Approvals,
		Rejections: operator.Rejections,
	})
	if err != nil {
		log.Printf("[ERROR] encoding status payload: %v", err)
		return
	}
	entry, err := c.audit.Append(domain.EntryTypeNodeStatusChanged, payload)
	if err != nil {
		log.Printf("[ERROR] appending status audit entry for [%s]: %v", operator.ID, err)
		return
	}
	c.metrics.IncLedgerEntries()
	c.metrics.SetChainHead(entry.SequenceMs)
	c.announcer.Announce(&domain.Event{
		ID:          uuid.NewString(),
		Type:        domain.EventNodeStatusChanged,
		NodeID:      c.nodeID,
		SubjectID:   operator.ID,
		Payload:     entry.Payload,
		EmittedAtMs: c.clock.NowMs(),
	})
}

func (c *Coordinator) publishOperatorCounts() {
	operators, err := c.store.ListOperators()
	if err != nil {
		return
	}
	active, pending := 0, 0
	for _, operator := range operators {
		switch operator.Status {
		case domain.OperatorActive:
			active++
		case domain.OperatorPending:
			pending++
		}
	}
	c.metrics.SetOperatorCounts(active, pending)
}

// subjectLocks serializes tally mutations per subject without one global
// lock over all voting.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *subjectLocks) lock(subjectID string) func() {
	l.mu.Lock()
	subjectLock, ok := l.locks[subjectID]
	if !ok {
		subjectLock = &sync.Mutex{}
		l.locks[subjectID] = subjectLock
	}
	l.mu.Unlock()

	subjectLock.Lock()
	return subjectLock.Unlock
}
