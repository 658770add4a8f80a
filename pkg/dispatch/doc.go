// Package dispatch executes batches of model-proposed tool calls for one session.
//
// Calls start in emission order. Read-only handlers run concurrently on a bounded
// pool. Handlers that mutate shared session state receive a Gate chained to the
// previous mutating call: they must Wait on it before mutating, and the dispatcher
// releases their own gate once they return, success or error. Results are always
// returned in emission order.
//
// Per-call failures (unknown tool, tool outside the agent's declared set, invalid
// input, handler error, panic) become error results and never abort the batch.
package dispatch
