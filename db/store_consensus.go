package db

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

func operatorKey(operatorID string) []byte {
	return []byte(prefixOperator + operatorID)
}

func nodeVoteKey(subjectID, voterID string) []byte {
	return []byte(prefixNodeVote + subjectID + "|" + voterID)
}

func submissionKey(submissionID string) []byte {
	return []byte(prefixSubmission + submissionID)
}

func marketSubmissionKey(marketID, submissionID string) []byte {
	return []byte(prefixMarketSubs + marketID + "|" + submissionID)
}

func oracleVoteKey(submissionID, voterID string) []byte {
	return []byte(prefixOracleVote + submissionID + "|" + voterID)
}

func (ps *PebbleStore) PutOperator(operator *domain.NodeOperator) error {
	return ps.putJSON(operatorKey(operator.ID), operator)
}

func (ps *PebbleStore) GetOperator(operatorID string) (*domain.NodeOperator, error) {
	var operator domain.NodeOperator
	if err := ps.getJSON(operatorKey(operatorID), &operator); err != nil {
		return nil, err
	}
	return &operator, nil
}

func (ps *PebbleStore) ListOperators() ([]domain.NodeOperator, error) {
	iter, err := ps.prefixIter(prefixOperator)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var operators []domain.NodeOperator
	for iter.First(); iter.Valid(); iter.Next() {
		var operator domain.NodeOperator
		if err := json.Unmarshal(iter.Value(), &operator); err != nil {
			return nil, errors.Wrap(err, "unmarshalling operator")
		}
		operators = append(operators, operator)
	}
	return operators, nil
}

func (ps *PebbleStore) GetNodeVote(subjectID, voterID string) (*domain.NodeVote, error) {
	var vote domain.NodeVote
	if err := ps.getJSON(nodeVoteKey(subjectID, voterID), &vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

// CommitNodeVote persists a vote and the retallied subject operator in one
// batch, so the vote record and the counters can never diverge.
func (ps *PebbleStore) CommitNodeVote(vote *domain.NodeVote, subject *domain.NodeOperator) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batchPutJSON(batch, nodeVoteKey(vote.SubjectID, vote.VoterID), vote); err != nil {
		return err
	}
	if err := batchPutJSON(batch, operatorKey(subject.ID), subject); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing node vote batch")
	}
	return nil
}

// PutSubmission persists a submission and its market index record in one
// batch.
func (ps *PebbleStore) PutSubmission(submission *domain.OracleSubmission) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batchPutJSON(batch, submissionKey(submission.ID), submission); err != nil {
		return err
	}
	if err := batch.Set(marketSubmissionKey(submission.MarketID, submission.ID), nil, nil); err != nil {
		return errors.Wrap(err, "batching market submission index")
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing submission batch")
	}
	return nil
}

func (ps *PebbleStore) GetSubmission(submissionID string) (*domain.OracleSubmission, error) {
	var submission domain.OracleSubmission
	if err := ps.getJSON(submissionKey(submissionID), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}

func (ps *PebbleStore) ListSubmissionsByMarket(marketID string) ([]domain.OracleSubmission, error) {
	iter, err := ps.prefixIter(prefixMarketSubs + marketID + "|")
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var submissions []domain.OracleSubmission
	for iter.First(); iter.Valid(); iter.Next() {
		submissionID := string(iter.Key())[len(prefixMarketSubs+marketID+"|"):]
		submission, err := ps.GetSubmission(submissionID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving indexed submission [%s]", submissionID)
		}
		submissions = append(submissions, *submission)
	}
	return submissions, nil
}

func (ps *PebbleStore) GetOracleVote(submissionID, voterID string) (*domain.OracleVote, error) {
	var vote domain.OracleVote
	if err := ps.getJSON(oracleVoteKey(submissionID, voterID), &vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

// CommitOracleVote persists a vote and the retallied submission in one batch.
func (ps *PebbleStore) CommitOracleVote(vote *domain.OracleVote, submission *domain.OracleSubmission) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batchPutJSON(batch, oracleVoteKey(vote.SubmissionID, vote.VoterID), vote); err != nil {
		return err
	}
	if err := batchPutJSON(batch, submissionKey(submission.ID), submission); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing oracle vote batch")
	}
	return nil
}
