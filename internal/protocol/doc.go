// Package protocol owns the link wire contract.
//
// Ownership boundary:
// - event envelope {event_id, event_type, status, payload}
// - event type catalogue and status values
// - typed payloads per event type with validation
//
// One envelope is framed as exactly one transport message; there is no batching.
package protocol
