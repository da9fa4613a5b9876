// Package election decides which participant must act as room host.
//
// There is no coordinator: every client runs the same deterministic
// tie-break over the same replicated presence snapshot and they converge
// independently. The rule is the earliest JoinedAt among live
// participants, ties broken by ID ordering. JoinedAt is replicated state
// stamped by the shared transport clock, so independent evaluations agree
// modulo presence-detection lag.
package election

import (
	"github.com/rebel47/StudySync/internal/presence"
)

// HasActiveHost reports whether any participant in the snapshot currently
// claims the host role.
func HasActiveHost(tracker *presence.Tracker) bool {
	for _, p := range tracker.Snapshot() {
		if p.IsHost {
			return true
		}
	}
	return false
}

// Winner returns the participant the tie-break rule selects from the live
// set, or false for an empty room.
func Winner(tracker *presence.Tracker) (presence.Participant, bool) {
	sorted := tracker.Sorted()
	if len(sorted) == 0 {
		return presence.Participant{}, false
	}
	return sorted[0], true
}

// ShouldPromote reports whether the local participant must claim the host
// role: no live participant is host and the tie-break selects us.
func ShouldPromote(tracker *presence.Tracker, localID string) bool {
	if HasActiveHost(tracker) {
		return false
	}
	w, ok := Winner(tracker)
	return ok && w.ID == localID
}

// ShouldDemote resolves transient dual-host states. A host demotes when
// another live participant also claims the role and the tie-break prefers
// them; whichever client the rule selects from the merged view keeps the
// role, so split-brain windows close on the next presence exchange.
func ShouldDemote(tracker *presence.Tracker, localID string) bool {
	local, ok := tracker.Get(localID)
	if !ok || !local.IsHost {
		return false
	}
	for _, p := range tracker.Sorted() {
		if !p.IsHost {
			continue
		}
		return p.ID != localID
	}
	return false
}
