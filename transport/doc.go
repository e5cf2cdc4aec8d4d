// Package transport defines the boundary between the session supervisor and
// the chat network. A transport authenticates stored credentials into a
// Capability; the capability exposes the account identity, a persistent
// listen loop delivering inbound events, a side-channel request primitive and
// an outbound send primitive.
//
// Layers & Roles
//
//	Authenticator  -> exchanges a credential snapshot for a live Capability
//	Capability     -> per-account handle (identity, listen, send, side-channel)
//	ListenHandle   -> one open listen loop; replaced on every reconnect
//
// # Implementations
//
//	memory  : in-process network used by tests and local demos
//	gateway : WebSocket + HTTP client for an external chat gateway process
//
// # Listen semantics
//
// Inbound items are delivered in order on the channel returned by
// ListenHandle.Inbound. An item carries either an Event or an in-band error
// surfaced by the network (for example a security checkpoint). The channel is
// closed once the handle is closed or the underlying connection ends; a
// consumer must treat a closed channel as the end of that listen loop.
package transport
