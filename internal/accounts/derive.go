package accounts

import (
	"crypto/sha256"

	"github.com/ilpnet/connector/internal/ledger"
)

// Account kinds feeding the id derivation. The clearing kind names the
// node's own per-token account that packet transfers pivot through.
const (
	kindDebit    = "debit"
	kindCredit   = "credit"
	kindClearing = "clearing"
)

const deriveDomain = "ilp.account.v1"

// DeriveAccountID produces the deterministic 128-bit account id for
// (node, peer, token, kind). Any two machines derive the same id for the
// same inputs, so account creation never needs coordination.
func DeriveAccountID(nodeID, peerID, tokenID, kind string) ledger.ID {
	h := sha256.New()
	h.Write([]byte(deriveDomain))
	for _, part := range []string{nodeID, peerID, tokenID, kind} {
		h.Write([]byte{'|'})
		h.Write([]byte(part))
	}
	return ledger.IDFromBytes(h.Sum(nil)[:16])
}

// Pair holds the two deterministic account ids for one (peer, token).
type Pair struct {
	PeerID          string
	TokenID         string
	DebitAccountID  ledger.ID
	CreditAccountID ledger.ID
}

// derivePair computes the pair without any storage access.
func derivePair(nodeID, peerID, tokenID string) Pair {
	return Pair{
		PeerID:          peerID,
		TokenID:         tokenID,
		DebitAccountID:  DeriveAccountID(nodeID, peerID, tokenID, kindDebit),
		CreditAccountID: DeriveAccountID(nodeID, peerID, tokenID, kindCredit),
	}
}
