// Package session holds per-connection agent sessions and their conversation history.
//
// Invariants:
// - History is append-only; a message's Index equals its position, with no gaps.
// - A session's history has one writer at a time (the step loop, or a side-effecting
//   tool call holding the dispatch gate).
// - Terminal sessions are never resumed; they can be archived as JSONL transcripts.
//
// Usage:
//
//	store := session.NewStore()
//	sess := session.New("conn-1")
//	store.Add(sess)
//	sess.History().Append(session.UserMessage("hello"))
package session
