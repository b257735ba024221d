// Moderation queue for anonymous submissions.
//
// Submissions pass a per-submitter sliding-window rate limit (package `modqueue/ratelimit`) and land in a bounded FIFO queue. Trusted reviewers are notified through a Gateway and may edit, approve or reject each item; approval relays the content, without any submitter metadata, to the distribution channel exactly once. The first reviewer to decide an item wins, and anyone acting on it later is told it was already handled.
//
// All state is in memory and scoped to one Service per process. See `cmd/anonmod` for a daemon built on this package, and package `telegram` for the gateway it uses.
package modqueue
