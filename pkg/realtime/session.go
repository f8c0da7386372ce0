package realtime

import (
	"errors"
	"fmt"
)

// Default turn-detection tuning. These match the values the product shipped
// with; they are starting points, not contracts.
const (
	DefaultVADThreshold      = 0.85
	DefaultPrefixPaddingMS   = 300
	DefaultSilenceDurationMS = 500
)

// TurnDetection configures the upstream voice-activity detector.
type TurnDetection struct {
	// Type selects the detection mode. Only "server_vad" is supported.
	Type string `json:"type"`

	// Threshold is the detection sensitivity in [0, 1]. Higher values
	// require louder, clearer speech before speech_started fires.
	Threshold float64 `json:"threshold,omitempty"`

	// PrefixPaddingMS is audio included before the detected speech onset.
	PrefixPaddingMS int `json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMS is how much trailing silence ends a turn.
	SilenceDurationMS int `json:"silence_duration_ms,omitempty"`

	// CreateResponse makes the upstream start a response automatically when
	// a turn ends.
	CreateResponse bool `json:"create_response"`
}

// InputTranscription selects the model used to transcribe user audio.
type InputTranscription struct {
	Model string `json:"model,omitempty"`
}

// ToolDefinition describes one function exposed to the model.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the session.update payload: voice, instructions, audio
// formats, transcription, turn detection, and the tool surface. The relay
// injects one of these upstream immediately after session.created; clients
// may send further updates mid-session (for example to replay instructions
// after a reconnect).
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Tools                   []ToolDefinition    `json:"tools,omitempty"`
}

// DefaultTurnDetection returns server VAD tuned with the product defaults.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         DefaultVADThreshold,
		PrefixPaddingMS:   DefaultPrefixPaddingMS,
		SilenceDurationMS: DefaultSilenceDurationMS,
		CreateResponse:    true,
	}
}

// ValidateSessionConfig checks s for values the upstream would reject.
// All failures found are returned as a joined error.
func ValidateSessionConfig(s SessionConfig) error {
	var errs []error

	validFormats := map[string]bool{"": true, "pcm16": true, "g711_ulaw": true, "g711_alaw": true}
	if !validFormats[s.InputAudioFormat] {
		errs = append(errs, fmt.Errorf("input_audio_format %q is invalid; valid values: pcm16, g711_ulaw, g711_alaw", s.InputAudioFormat))
	}
	if !validFormats[s.OutputAudioFormat] {
		errs = append(errs, fmt.Errorf("output_audio_format %q is invalid; valid values: pcm16, g711_ulaw, g711_alaw", s.OutputAudioFormat))
	}

	for _, m := range s.Modalities {
		if m != "text" && m != "audio" {
			errs = append(errs, fmt.Errorf("modality %q is invalid; valid values: text, audio", m))
		}
	}

	if td := s.TurnDetection; td != nil {
		if td.Type != "server_vad" {
			errs = append(errs, fmt.Errorf("turn_detection.type %q is invalid; only server_vad is supported", td.Type))
		}
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMS < 0 {
			errs = append(errs, fmt.Errorf("turn_detection.prefix_padding_ms %d must be non-negative", td.PrefixPaddingMS))
		}
		if td.SilenceDurationMS < 0 {
			errs = append(errs, fmt.Errorf("turn_detection.silence_duration_ms %d must be non-negative", td.SilenceDurationMS))
		}
	}

	for i, tool := range s.Tools {
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("tools[%d].name is required", i))
		}
		if tool.Type != "function" {
			errs = append(errs, fmt.Errorf("tools[%d].type %q is invalid; only function tools are supported", i, tool.Type))
		}
	}

	return errors.Join(errs...)
}
