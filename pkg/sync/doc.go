/*
Package sync runs the conversation that keeps a room of editors on the same
version of a project.

The package deliberately splits "when" from "how". The coordinator only ever
decides when the local project must reconcile with the repository; the durable
merge itself is the gitsync workflow it is handed. Everything here is driven
by room events: joins and departures, plus handshake messages arriving over
the reliable channel.

A handshake is one round of question and answer:

1) Ask -- a peer that doesn't know where it stands asks another for its view.
2) Reply -- the answer carries the responder's last sync stamp and its local
   edit step counter.
3) Request -- a peer whose version must reach the repository, but which is
   not the elected master, asks the master to consolidate on its behalf.

Replies are classified against the local stamp. A matching timestamp means
both sides already hold the shared version and there is nothing to do. A
newer remote stamp means the shared version moved on without us, so the
workflow pulls it. An older one means the local version has to reach the
repository, which only one peer in the room should attempt, since concurrent
pushes would race each other in the remote. That peer is the master: the
lexicographically smallest live identity. Everyone else sends it a request
and waits for the fresh reply that follows a successful consolidation.

Negotiations cannot be allowed to hang on an answer that never comes. A quiet
timer restarts on every connectivity change; when it fires mid-negotiation
the coordinator resolves on its own, reconciling directly when it is
authoritative and nudging the master again when it is not.

While any of this is unsettled, application traffic is gated. Only once the
local project matches the agreed shared version does the coordinator let
ordinary messages through, so stale local state never masquerades as
authoritative.
*/
package sync
