package realtime

// envelope is the minimal frame parsed first to determine the event type.
type envelope struct {
	Type string `json:"type"`
}

// Server event type names. The relay matches on these when deciding whether
// a frame needs special handling; everything else is forwarded opaquely.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeAudioDelta             = "response.audio.delta"
	TypeAudioTranscriptDelta   = "response.audio_transcript.delta"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeResponseCreated        = "response.created"
	TypeResponseDone           = "response.done"
	TypeOutputItemDone         = "response.output_item.done"
	TypeError                  = "error"
)

// Response status values carried by [ResponseDone].
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// SessionCreated is sent by the upstream once per connection after the
// handshake succeeds. Receipt of this event is what triggers the relay's
// one-shot configuration injection.
type SessionCreated struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model,omitempty"`
		Voice string `json:"voice,omitempty"`
	} `json:"session"`
}

// SessionUpdated acknowledges a session.update frame.
type SessionUpdated struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Session any    `json:"session"`
}

// SpeechStarted signals that the upstream voice-activity detector believes
// the user began speaking. VADs false-trigger on ambient noise, so this is
// treated as a hint, not a confirmation — see the turn package.
type SpeechStarted struct {
	Type         string `json:"type"`
	AudioStartMS int    `json:"audio_start_ms,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
}

// SpeechStopped signals the end of detected speech.
type SpeechStopped struct {
	Type       string `json:"type"`
	AudioEndMS int    `json:"audio_end_ms,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
}

// TranscriptionCompleted carries the final transcript of a user utterance.
type TranscriptionCompleted struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

// AudioDelta carries one chunk of synthesized response audio as
// base64-encoded PCM16.
type AudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

// AudioTranscriptDelta carries an incremental transcript of the response
// audio as it is spoken.
type AudioTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

// AudioTranscriptDone carries the complete transcript of a finished
// response.
type AudioTranscriptDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Transcript string `json:"transcript"`
}

// ResponseMeta is the response resource embedded in response lifecycle
// events.
type ResponseMeta struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// ResponseCreated signals that the model has started generating a response.
type ResponseCreated struct {
	Type     string       `json:"type"`
	Response ResponseMeta `json:"response"`
}

// ResponseDone signals that a response finished, either completed or
// cancelled (see Response.Status).
type ResponseDone struct {
	Type     string       `json:"type"`
	Response ResponseMeta `json:"response"`
}

// ConversationItem is an item embedded in output and conversation events.
// For function_call items, Name, CallID, and Arguments are populated.
type ConversationItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
}

// OutputItemDone signals completion of one output item of a response. When
// the item's type is "function_call" it carries a tool invocation for the
// dispatcher.
type OutputItemDone struct {
	Type        string           `json:"type"`
	ResponseID  string           `json:"response_id,omitempty"`
	OutputIndex int              `json:"output_index,omitempty"`
	Item        ConversationItem `json:"item"`
}

// ErrorDetail is the nested error object of a server error event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerError is an error event from the upstream. Some codes are expected
// operational noise (for example cancelling a response that already ended)
// and are swallowed by the session manager rather than surfaced.
type ServerError struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// FunctionCall is the distilled tool invocation extracted from an
// [OutputItemDone] carrying a function_call item.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}
