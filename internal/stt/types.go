package stt

// Result is one transcript update from the transcription service.
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the segment in seconds
	StartTime float64

	// Duration is the duration of the segment in seconds
	Duration float64
}

// Bridge is the per-session connection to the transcription service. PCM
// flows in as it is decoded; partial/final results flow out on Results().
// Connection loss is retried internally with bounded backoff; exhaustion is
// surfaced on Errors() and leaves the bridge usable for a later Start.
type Bridge interface {
	// Start opens the streaming transcription connection.
	Start() error

	// SendPCM forwards interleaved PCM samples to the service.
	SendPCM(pcm []int16) error

	// Flush requests a forced-final result for audio that has been sent but
	// not yet finalized. Called on utterance finalization.
	Flush() error

	// Results streams partial and final transcript updates.
	Results() <-chan *Result

	// Errors surfaces connection failures that exhausted their retries.
	Errors() <-chan error

	// Stop ends the streaming connection but keeps the bridge reusable.
	Stop() error

	// Close releases all resources.
	Close() error
}
