// Package session owns the session state machine and its single-writer
// mutation path.
//
// # State Machine
//
// Canonical states and transitions:
//
//	(none)          -> Active          on creation
//	Active          <-> Idle           activity timeout / new message
//	Active          -> Thinking        generation dispatched
//	Thinking        -> WaitingForTool  tool call issued
//	WaitingForTool  -> Thinking        tool result received
//	Thinking        -> Active          generation complete
//	Active|Idle     -> Compacting      explicit compaction
//	Compacting      -> Active          completion or failure
//	any non-Closed  -> Closed          explicit close (terminal)
//
// # Concurrency
//
// Every mutation goes through Manager.Mutate, which holds a per-session
// mutex strictly for the duration of the call. Two concurrent mutations
// of the same session observe serialized effects; the lock is never held
// across an external collaborator call (see Compact).
//
// Illegal transitions are rejected as no-ops carrying the current state,
// never as crashes.
package session
