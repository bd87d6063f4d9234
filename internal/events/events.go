package events

// Kind discriminates client-facing messages.
type Kind string

const (
	KindPartialTranscript  Kind = "partial_transcript"
	KindFinalTranscript    Kind = "final_transcript"
	KindStopListening      Kind = "stop_listening"
	KindAIResponseChunk    Kind = "ai_response_chunk"
	KindAIResponseComplete Kind = "ai_response_complete"
	KindError              Kind = "error"
)

// StopReason is the trigger that finalized an utterance.
type StopReason string

const (
	ReasonSilenceDetected     StopReason = "silence_detected"
	ReasonMaxUtteranceTimeout StopReason = "max_utterance_timeout"
)

// Message is the outbound envelope: an event discriminator plus its payload.
type Message struct {
	Event Kind        `json:"event"`
	Data  interface{} `json:"data"`
}

// TranscriptData is the payload for partial and final transcripts, and for
// relayed dialogue responses.
type TranscriptData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// StopListeningData is the payload for stop_listening. Exactly one of the
// metadata shapes is populated: silence_duration_ms for silence_detected,
// elapsed_ms/max_ms for max_utterance_timeout. The silence duration is a
// pointer so a zero-length gap (an immediate client stop) still carries
// the field on the wire.
type StopListeningData struct {
	SessionID         string     `json:"session_id"`
	Reason            StopReason `json:"reason"`
	SilenceDurationMs *int64     `json:"silence_duration_ms,omitempty"`
	ElapsedMs         int64      `json:"elapsed_ms,omitempty"`
	MaxMs             int64      `json:"max_ms,omitempty"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}
