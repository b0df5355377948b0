/*
Package heartbeat implements liveness tracking and self-fencing for management servers.

Every management server runs one Engine. On each tick (1.5s by default) it:

 1. Writes its own heartbeat: UpdateHeartbeat(msid, runID, now). A write
    that has not returned within one interval is abandoned and counts as a
    failure.
 2. Scans the registry for peers whose heartbeat is strictly older than
    now - threshold (150s by default) and moves them from Up to Down with a
    guarded update. Only the node that wins the update raises the alert count
    and clears the dead node's peer views. With ping-before-down a stale peer
    that still answers ping keeps its membership.
 3. Diffs the active peers against the previous scan and notifies the
    membership bus: at most one "left" and one "joined" notification per
    scan. A peer whose RunID changed restarted and shows up in both.
 4. Records its view of every active peer as Up.

# Fencing

A node fences itself when it can no longer prove it is alive:

	heartbeat wrote zero rows          registry marked it Down, or a newer run owns the row
	heartbeat failing past threshold   registry unreachable or hanging for too long
	majority of peers see it Down      more than half of the other active peers

A watchdog goroutine checks the time since the last successful write on its
own ticker, so a tick stuck in a registry call does not delay fencing.
Fencing happens once per process. The local state moves to Isolated,
listeners get OnNodeIsolated synchronously, and the process exits with
status 219 so that a supervisor restarts it with a fresh RunID.

# Time

All time comes from an injected github.com/benbjohnson/clock Clock, so tests
drive the thresholds with clock.NewMock() instead of sleeping.
*/
package heartbeat
