// Package realtime implements the JSON-framed duplex wire protocol spoken
// between the Murmur voice client, the voicebridge relay, and the upstream
// speech-to-speech model service.
//
// The package has three parts:
//
//   - Typed event structs for every server event the client reacts to
//     (events.go), plus the outgoing payload types.
//   - [SessionConfig] and friends, describing a session's voice,
//     instructions, audio formats, turn detection, and tool surface
//     (session.go).
//   - [Client], a WebSocket client with per-event callback registration and
//     serialized writes (client.go). Callbacks run on the read-loop
//     goroutine and must not block.
//
// The relay forwards frames verbatim in both directions, so the same event
// types describe both legs of the bridge.
package realtime
