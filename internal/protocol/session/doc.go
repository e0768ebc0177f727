// Package session owns link reliability primitives shared by the client
// services.
//
// Ownership boundary:
// - security mode normalization and validation
// - reliability defaults (timeouts, retry budgets)
// - fixed-schedule and exponential backoff policies
// - pending confirmations keyed by event_id
package session
