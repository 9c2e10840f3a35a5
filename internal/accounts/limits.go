package accounts

import "math/big"

// Hierarchy is a three-level limit lookup: per-(peer,token), then
// per-peer, then default, with an optional global ceiling capping whatever
// the lookup produced. A nil value at every level means unlimited. The
// same shape serves credit limits and settlement thresholds.
type Hierarchy struct {
	PerPair map[string]*big.Int // keyed "peer|token"
	PerPeer map[string]*big.Int
	Default *big.Int
	Ceiling *big.Int
}

// PairKey builds the per-pair map key.
func PairKey(peerID, tokenID string) string {
	return peerID + "|" + tokenID
}

// Lookup returns the effective limit for (peer, token), or nil for
// unlimited. First match wins: pair, peer, default; the ceiling caps any
// result, including the unlimited case.
func (h Hierarchy) Lookup(peerID, tokenID string) *big.Int {
	v, ok := h.PerPair[PairKey(peerID, tokenID)]
	if !ok {
		v, ok = h.PerPeer[peerID]
	}
	if !ok {
		v = h.Default
	}
	if h.Ceiling != nil && (v == nil || v.Cmp(h.Ceiling) > 0) {
		return new(big.Int).Set(h.Ceiling)
	}
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
