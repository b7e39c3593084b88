package model

import (
	"net/netip"
	"sort"
)

// Diff is the pure result of comparing a DesiredState to an Observed
// snapshot: which ports need a namespace created, deleted, or brought up to
// date in place (spec §4.1 step 2). It is computed independently of any
// kernel side effect so it can be unit tested directly.
type Diff struct {
	ToCreate []uint16
	ToDelete []uint16
	ToUpdate []uint16
}

// ComputeDiff partitions desired and observed ports into the three sets
// the reconciler algorithm operates on, each sorted ascending so the
// reconciler's per-port errgroup fan-out is deterministic to read about
// (execution order itself is not guaranteed, only the slice order).
func ComputeDiff(desired DesiredState, observed Observed) Diff {
	var d Diff
	for port := range desired {
		if _, ok := observed.Namespaces[port]; ok {
			d.ToUpdate = append(d.ToUpdate, port)
		} else {
			d.ToCreate = append(d.ToCreate, port)
		}
	}
	for port := range observed.Namespaces {
		if _, ok := desired[port]; !ok {
			d.ToDelete = append(d.ToDelete, port)
		}
	}
	sortPorts(d.ToCreate)
	sortPorts(d.ToDelete)
	sortPorts(d.ToUpdate)
	return d
}

func sortPorts(ports []uint16) {
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
}

// NeedsRebuild reports whether the network on port must be torn down and
// recreated rather than updated in place: its derived public key or address
// set changed (spec §4.1 step 5, invariant 2). Peer-only and proxy-only
// diffs are handled incrementally by the caller instead.
func NeedsRebuild(desired NetworkSpec, observed ObservedNetwork) bool {
	if !observed.SamePublicKey(desired) {
		return true
	}
	return !sameAddressSet(desired.Address, observed.Address)
}

func sameAddressSet(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[netip.Prefix]struct{}, len(a))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := seen[p]; !ok {
			return false
		}
	}
	return true
}
