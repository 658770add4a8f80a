// Package protocol defines the frames exchanged between a client and the switchboard.
//
// Every frame is one JSON object carried in a websocket text message. The "type"
// field selects the frame kind; Decode inspects it before unmarshalling the rest.
//
// Client → server: run_request, tool_call_result, cancel, auth.response.
// Server → client: agent_text, tool_call_request, reconnect_request, session_complete,
// auth.challenge, auth.result, error.
package protocol
