package domain

// OperatorStatus is the admission state of a node operator. Admission voting
// moves an operator from pending to active or rejected and never out of those
// again. Active operators that stop responding are marked inactive by the
// staleness sweep; they are never deleted.
type OperatorStatus string

const (
	OperatorPending  OperatorStatus = "pending"
	OperatorActive   OperatorStatus = "active"
	OperatorRejected OperatorStatus = "rejected"
	OperatorInactive OperatorStatus = "inactive"
)

// NodeOperator is a member (or candidate member) of the oracle network.
type NodeOperator struct {
	ID           string         `json:"id"`
	PublicKey    string         `json:"publicKey"` // hex encoded ed25519
	Endpoint     string         `json:"endpoint"`  // host:port of the peer sync api
	Status       OperatorStatus `json:"status"`
	Approvals    int            `json:"approvals"`
	Rejections   int            `json:"rejections"`
	ProposedAtMs int64          `json:"proposedAtMs"`
	LastSeenMs   int64          `json:"lastSeenMs"`
}

// AdmissionDecided reports whether the admission vote has concluded.
func (o *NodeOperator) AdmissionDecided() bool {
	return o.Status == OperatorActive || o.Status == OperatorRejected
}

// VoteChoice is the direction of a vote. Node admission uses approve/reject,
// oracle submissions use for/against.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
)

// NodeVote is one operator's vote on the admission of a candidate operator.
// At most one vote per (voter, subject) pair is ever counted.
type NodeVote struct {
	VoterID   string     `json:"voterId"`
	SubjectID string     `json:"subjectId"`
	Choice    VoteChoice `json:"choice"`
	Signature string     `json:"signature"` // hex encoded
	CastAtMs  int64      `json:"castAtMs"`
}

// OracleVote is one operator's vote on an oracle outcome submission.
type OracleVote struct {
	VoterID      string     `json:"voterId"`
	SubmissionID string     `json:"submissionId"`
	Choice       VoteChoice `json:"choice"`
	Signature    string     `json:"signature"` // hex encoded
	CastAtMs     int64      `json:"castAtMs"`
}

// OracleSubmission is an attestation of what actually happened for a market
// after its end time. A nil Text is the explicit nothing-happened outcome and
// resolves the market to refunds instead of payouts. The submission becomes
// immutable once consensus is reached.
type OracleSubmission struct {
	ID               string  `json:"id"`
	MarketID         string  `json:"marketId"`
	OracleID         string  `json:"oracleId"`
	Text             *string `json:"text"`
	Signature        string  `json:"signature"` // hex encoded
	VotesFor         int     `json:"votesFor"`
	VotesAgainst     int     `json:"votesAgainst"`
	ConsensusReached bool    `json:"consensusReached"`
	CreatedAtMs      int64   `json:"createdAtMs"`
}

// TotalVotes returns the number of counted votes.
func (s *OracleSubmission) TotalVotes() int {
	return s.VotesFor + s.VotesAgainst
}

// ForRatio returns the fraction of for votes, 0 when no votes were counted.
func (s *OracleSubmission) ForRatio() float64 {
	total := s.TotalVotes()
	if total == 0 {
		return 0
	}
	return float64(s.VotesFor) / float64(total)
}
