package model

import "net/netip"

// Observed is a point-in-time snapshot of the kernel state the reconciler
// actually sees, rebuilt from the adapters on every reconcile (spec §3:
// "rebuilt on demand from the kernel"). It is intentionally a much smaller
// shape than NetworkSpec — only the fields the reconciler needs to decide
// whether a namespace must be rebuilt or can be updated in place.
type Observed struct {
	// Namespaces maps listen port -> observed network state for every
	// namespace matching the managed prefix.
	Namespaces map[uint16]ObservedNetwork
}

// ObservedNetwork is what the reconciler can read back from a live
// namespace: its WireGuard public key (derived identity, spec invariant 2),
// its addresses, and its peer public keys.
type ObservedNetwork struct {
	PublicKey Key
	Address   []netip.Prefix
	Peers     map[Key]struct{}
}

// SamePublicKey reports whether the observed network's derived public key
// matches the desired network's. A mismatch forces a namespace rebuild
// (spec §4.1 step 5, invariant 2).
func (o ObservedNetwork) SamePublicKey(desired NetworkSpec) bool {
	pub, err := PublicKeyOf(desired.PrivateKey)
	if err != nil {
		return false
	}
	return pub == o.PublicKey
}
