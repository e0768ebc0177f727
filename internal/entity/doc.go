// Package entity negotiates and supervises dual entity sessions: one leg
// for the local actor and one for the remote conversational partner, each
// its own registry connection. A dual session is usable only while both
// legs are active.
package entity
