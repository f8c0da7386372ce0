// Package turn decides whether a model response is genuine or phantom.
//
// Upstream voice-activity detection false-triggers on ambient noise, so a
// response.created event is not proof the user spoke. The [Arbiter] gates
// every response start: tool-triggered responses pass unconditionally,
// responses with a confirmed transcript pass, responses with no observed
// speech at all are cancelled immediately, and the remaining case (speech
// observed, transcript still pending) gets a bounded grace window before
// cancellation.
//
// The Arbiter owns all turn state. Events arrive in stream order from a
// single connection, but the grace timer fires on its own goroutine, so the
// Arbiter is internally locked and safe for concurrent use.
package turn
