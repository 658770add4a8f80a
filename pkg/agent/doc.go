// Package agent drives one session's step loop: call the model, dispatch the
// tool calls it proposes, fold the results into history, repeat.
//
// Invariants:
// - A session never has more than one model call in flight.
// - Only tools in the agent definition's declared set are dispatched.
// - Every run ends with exactly one session_complete frame.
//
// Usage:
//
//	loop := agent.NewLoop(agent.Config{Model: client, Dispatcher: d, Meter: m, Emitter: sb})
//	res := loop.Run(ctx, sess, def, agent.RunInput{Prompt: "review this diff"})
package agent
