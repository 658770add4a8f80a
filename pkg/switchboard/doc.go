// Package switchboard owns the live client connections of the agent server.
//
// Each websocket connection performs a challenge handshake, is bound to one
// session at a time and carries:
//   - inbound run_request, tool_call_result and cancel frames, pumped by one
//     reader goroutine per connection;
//   - outbound frames from SendMessage, delivered in enqueue order by one writer
//     goroutine per connection.
//
// Runs execute on the session's command queue lane, so a session never runs two
// agents at once. A transport failure tears down only the affected connection's
// session.
package switchboard
