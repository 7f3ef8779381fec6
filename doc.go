// Package ruby implements the tracker of a Ruby node network: a
// peer-to-peer service registry routing requests by facts instead of
// addresses.
//
// ## How it works
//
// Every node runs an `Engine`. It binds a *mailbox*, a ROUTER channel other
// trackers deliver their messages to, and advertises it with UDP beacons
// (see package beacon) or, optionally, through a memberlist gossip cluster.
//
// When an engine learns about a peer, it opens a *link* towards the peer
// mailbox. Links only send: whatever the peer has to say comes back through
// the mailbox.
//
// Services are registered in a `repository.Repository` with their *facts*,
// `name=value` pairs describing what they do. `Engine.FindServices` answers
// from the local repository when it can, otherwise the query is sent to
// every known tracker. The first tracker owning a matching service answers
// and the callback is called with the services it found. Trackers without
// matching services stay silent, so a query may never be answered:
// `WithQueryTTL` bounds how long the engine remembers it.
//
// `Engine.Announce` registers a service locally and pushes it to every
// known tracker, so they can answer queries about it without a round-trip.
//
// ## Failure model
//
// Nothing here is strongly consistent. Beacons are lost, links die and
// trackers vanish: a dead link is replaced on the next beacon of its peer
// and, with `WithTrackerExpiry`, a silent peer is eventually forgotten.
// Errors of the loops handling inbound messages are logged and never
// stop them.
package ruby
