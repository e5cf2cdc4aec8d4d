// Package sessions defines the live session record shared by the supervisor,
// the dispatcher and the maintenance scheduler, and the process-wide Registry
// that maps an account id to its live session.
//
// Layers & Roles
//
//	Supervisor  -> creates sessions, owns the listen loop and reconnect timer
//	Registry    -> at most one live Session per account id
//	Session     -> per-account view exposed to command handlers
//
// # Ownership
//
// A Session's listener is swapped only by the goroutine running its listen
// loop. The elapsed counter is atomic so that the maintenance ticker can
// advance it concurrently. Settings, event names and the continuation stacks
// are mutex guarded.
//
// # Timers
//
// Each session holds two TimerHandles (reconnect and maintenance). StopTimers
// cancels both exactly once; a handle registered after StopTimers ran is
// stopped immediately so a racing teardown cannot leak a timer.
//
// # Continuations
//
// Replies and Reactions hold pending multi-turn follow-ups keyed by a message
// id. The dispatcher takes a continuation when a reply to (or reaction on) that
// message arrives.
package sessions
