// Package identity verifies vote and submission signatures. Every vote is
// signed over a canonical message string so that all nodes verify exactly the
// same bytes regardless of how the vote reached them.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/forecastnet/oracle-node/domain"
	"github.com/pkg/errors"
)

// nullText stands in for the nothing-happened sentinel inside canonical
// messages, so that a nil outcome still produces a signable message.
const nullText = "<none>"

// Ed25519Verifier checks signatures against hex encoded ed25519 public keys.
type Ed25519Verifier struct{}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

// Verify returns nil when signatureHex is a valid signature of message under
// publicKeyHex. Malformed keys or signatures fail like bad signatures: the
// caller discards the vote either way.
func (v *Ed25519Verifier) Verify(message []byte, signatureHex string, publicKeyHex string) error {
	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return errors.Wrapf(domain.ErrInvalidSignature, "malformed public key [%s]", publicKeyHex)
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return errors.Wrap(domain.ErrInvalidSignature, "malformed signature")
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign produces the hex encoded ed25519 signature of message.
func Sign(privateKey ed25519.PrivateKey, message []byte) string {
	return hex.EncodeToString(ed25519.Sign(privateKey, message))
}

// NodeVoteMessage is the canonical message a voter signs when voting on the
// admission of a candidate operator.
func NodeVoteMessage(voterID, subjectID string, choice domain.VoteChoice) []byte {
	return []byte(fmt.Sprintf("node-vote|%s|%s|%s", voterID, subjectID, choice))
}

// OracleVoteMessage is the canonical message a voter signs when voting on an
// oracle submission.
func OracleVoteMessage(voterID, submissionID string, choice domain.VoteChoice) []byte {
	return []byte(fmt.Sprintf("oracle-vote|%s|%s|%s", voterID, submissionID, choice))
}

// SubmissionMessage is the canonical message an oracle signs when submitting
// what actually happened for a market.
func SubmissionMessage(marketID, oracleID string, text *string) []byte {
	body := nullText
	if text != nil {
		body = *text
	}
	return []byte(fmt.Sprintf("oracle-submission|%s|%s|%s", marketID, oracleID, body))
}
