// Package hub fans pipeline frames and session status out to WebSocket
// clients connected at /ws/stream.
//
// Every message is a JSON envelope {"event": ..., "data": ...}:
//   - "frame": a types.Frame, pushed on every observation
//   - "session": a types.SessionSnapshot, pushed every broadcast interval
//
// A new client receives the latest frame and the current session status
// immediately on connect. Clients whose send buffer is full are dropped rather
// than slowing the pipeline down; Publish never blocks.
package hub
