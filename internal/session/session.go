package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnbuck/voxbridge/internal/audio"
	"github.com/johnbuck/voxbridge/internal/config"
	"github.com/johnbuck/voxbridge/internal/events"
	"github.com/johnbuck/voxbridge/internal/media"
	"github.com/johnbuck/voxbridge/internal/observability"
	"github.com/johnbuck/voxbridge/internal/resilience"
	"github.com/johnbuck/voxbridge/internal/stt"
)

// State is the session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateListening
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed is returned when operating on a closed session.
var ErrClosed = errors.New("session is closed")

// EventSink receives the session's client-facing events. *events.Emitter
// satisfies it; tests use fakes.
type EventSink interface {
	PartialTranscript(sessionID, text string)
	FinalTranscript(sessionID, text string)
	StopListeningSilence(sessionID string, silence time.Duration)
	StopListeningMaxUtterance(sessionID string, elapsed, max time.Duration)
	AIResponseChunk(sessionID, text string)
	AIResponseComplete(sessionID, text string)
	Error(sessionID, errorType, message string)
}

// BridgeFactory builds the transcription bridge once the container header
// is bound and the audio profile (channels, sample rate) is known.
type BridgeFactory func(info media.CodecInfo) (stt.Bridge, error)

// Options collects a session's collaborators.
type Options struct {
	Config    *config.Config
	Decoder   *media.Decoder
	NewBridge BridgeFactory
	Sink      EventSink
	Logger    zerolog.Logger
}

// Session owns the per-connection ingestion state: the decode buffer, the
// shared timing fields read by the utterance monitor, and the single-writer
// finalizing guard. Chunk processing is strictly sequential: the connection
// read loop is the only caller of Ingest.
type Session struct {
	id   string
	cfg  *config.Config
	sink EventSink
	log  zerolog.Logger

	newBridge BridgeFactory

	// decMu guards the decoder (Ingest vs. the reset inside finalize).
	decMu   sync.Mutex
	decoder *media.Decoder

	// mu guards the lifecycle and timing fields shared with the monitor.
	mu             sync.Mutex
	state          State
	finalizing     bool
	lastAudio      time.Time
	utteranceStart time.Time // zero while no utterance is active
	partial        string
	bridge         stt.Bridge

	monitor *Monitor

	relayStop chan struct{}
	relayDone chan struct{}
	relayOnce sync.Once
}

// New creates a session in the connecting state.
func New(id string, opts Options) *Session {
	s := &Session{
		id:        id,
		cfg:       opts.Config,
		sink:      opts.Sink,
		log:       opts.Logger,
		newBridge: opts.NewBridge,
		decoder:   opts.Decoder,
		state:     StateConnecting,
		relayStop: make(chan struct{}),
		relayDone: make(chan struct{}),
	}
	s.monitor = NewMonitor(s, opts.Config.MonitorPollInterval())
	return s
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate moves the session to listening once its identity is bound and
// starts the utterance monitor.
func (s *Session) Activate() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateListening
	s.mu.Unlock()

	s.monitor.Start()
	observability.RecordSessionStart()
	s.log.Info().Msg("session listening")
}

// Ingest processes one inbound audio chunk. The arrival timestamp is
// recorded before, and independently of, the decode attempt: the silence
// clock is keyed to chunk arrival, not to decode success.
func (s *Session) Ingest(chunk []byte, arrivedAt time.Time) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateConnecting {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return errors.New("session not yet bound")
	}
	s.lastAudio = arrivedAt
	if s.utteranceStart.IsZero() {
		s.utteranceStart = arrivedAt
	}
	s.mu.Unlock()

	observability.RecordChunk(len(chunk))

	s.decMu.Lock()
	frames, err := s.decoder.Feed(chunk)
	s.decMu.Unlock()
	if err != nil {
		// Unrecoverable container state was reset inside the decoder; the
		// session itself stays usable for subsequent chunks.
		observability.RecordDecodeError()
		observability.RecordError("decode_error", "media")
		s.log.Warn().Err(err).Msg("stream decode failed, decoder reset")
		s.sink.Error(s.id, "decode_error", err.Error())
	}

	if len(frames) == 0 {
		return nil
	}

	bridge, berr := s.ensureBridge()
	if berr != nil {
		s.log.Error().Err(berr).Msg("transcription bridge unavailable")
		s.sink.Error(s.id, "transcription_unavailable", berr.Error())
		return nil
	}

	pcmSamples := 0
	for _, f := range frames {
		pcmSamples += len(f.PCM)
		if err := bridge.SendPCM(f.PCM); err != nil {
			observability.RecordError("stt_send_error", "stt")
			s.log.Warn().Err(err).Uint64("frame", f.Index).Msg("failed to forward PCM")
			continue
		}
		if s.log.GetLevel() <= zerolog.DebugLevel {
			s.log.Debug().
				Uint64("frame", f.Index).
				Int("samples", len(f.PCM)).
				Float64("rms", audio.RMS(f.PCM)).
				Msg("frame forwarded")
		}
	}
	observability.RecordFrames(len(frames), pcmSamples*2)

	return nil
}

// ensureBridge lazily opens the transcription bridge on the first decoded
// audio, when the container's audio profile is known.
func (s *Session) ensureBridge() (stt.Bridge, error) {
	s.mu.Lock()
	if s.bridge != nil {
		b := s.bridge
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	s.decMu.Lock()
	info := s.decoder.Info()
	s.decMu.Unlock()

	bridge, err := s.newBridge(info)
	if err != nil {
		return nil, err
	}

	// The initial connection rides out transient dial failures; anything
	// not network-shaped fails fast and surfaces to the client.
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       s.cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(s.cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	err = resilience.Retry(bridge.Start, retryCfg, func(err error) bool {
		return resilience.IsRetryable(err) || resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()

	s.relayOnce.Do(func() {
		go s.relay(bridge)
	})
	return bridge, nil
}

// relay drains the bridge's result and error channels into the event sink.
func (s *Session) relay(bridge stt.Bridge) {
	defer close(s.relayDone)
	for {
		select {
		case result, ok := <-bridge.Results():
			if !ok {
				return
			}
			if result == nil || result.Text == "" {
				continue
			}
			if result.IsFinal {
				observability.RecordTranscriptEvent("final")
				s.sink.FinalTranscript(s.id, result.Text)
			} else {
				observability.RecordTranscriptEvent("partial")
				s.mu.Lock()
				s.partial = result.Text
				s.mu.Unlock()
				s.sink.PartialTranscript(s.id, result.Text)
			}
		case err := <-bridge.Errors():
			observability.RecordError("transcription_unavailable", "stt")
			s.sink.Error(s.id, "transcription_unavailable", err.Error())
		case <-s.relayStop:
			return
		}
	}
}

// checkUtterance is one monitor tick. It holds no locks across blocking
// work and claims the finalize guard synchronously, so a tick is cheap and
// at most one trigger fires per utterance.
func (s *Session) checkUtterance(now time.Time) {
	s.mu.Lock()
	if s.state != StateListening || s.finalizing || s.utteranceStart.IsZero() {
		s.mu.Unlock()
		return
	}
	silence := now.Sub(s.lastAudio)
	elapsed := now.Sub(s.utteranceStart)
	s.mu.Unlock()

	switch {
	case silence >= s.cfg.SilenceThreshold():
		s.finalizeAsync(events.ReasonSilenceDetected, silence, elapsed)
	case elapsed >= s.cfg.MaxUtteranceTime():
		s.finalizeAsync(events.ReasonMaxUtteranceTimeout, silence, elapsed)
	}
}

// StopByClient honors an explicit stop signal from the client. It reuses
// the finalize path; the client-facing reason is silence_detected since a
// stop request is an immediate end-of-speech declaration.
func (s *Session) StopByClient() {
	s.mu.Lock()
	silence := time.Duration(0)
	elapsed := time.Duration(0)
	if !s.lastAudio.IsZero() {
		silence = time.Since(s.lastAudio)
	}
	if !s.utteranceStart.IsZero() {
		elapsed = time.Since(s.utteranceStart)
	}
	s.mu.Unlock()

	s.finalizeAsync(events.ReasonSilenceDetected, silence, elapsed)
}

// finalizeAsync claims the finalize guard and, if won, runs the finalize
// sequence on its own goroutine so the caller (monitor tick or read loop)
// never blocks on bridge I/O.
func (s *Session) finalizeAsync(reason events.StopReason, silence, elapsed time.Duration) bool {
	s.mu.Lock()
	if s.finalizing || s.state != StateListening {
		s.mu.Unlock()
		// Duplicate finalize attempts are expected near the threshold
		// boundary; the guard makes them a no-op.
		s.log.Debug().Str("reason", string(reason)).Msg("finalize already in flight, ignoring")
		return false
	}
	s.finalizing = true
	s.state = StateFinalizing
	s.mu.Unlock()

	go s.runFinalize(reason, silence, elapsed)
	return true
}

func (s *Session) runFinalize(reason events.StopReason, silence, elapsed time.Duration) {
	s.log.Info().
		Str("reason", string(reason)).
		Dur("silence", silence).
		Dur("elapsed", elapsed).
		Msg("finalizing utterance")

	// Forced-final for audio the service is still holding.
	s.mu.Lock()
	bridge := s.bridge
	s.mu.Unlock()
	if bridge != nil {
		if err := bridge.Flush(); err != nil {
			observability.RecordError("flush_error", "stt")
			s.log.Warn().Err(err).Msg("bridge flush failed")
		}
	}

	switch reason {
	case events.ReasonSilenceDetected:
		s.sink.StopListeningSilence(s.id, silence)
	case events.ReasonMaxUtteranceTimeout:
		s.sink.StopListeningMaxUtterance(s.id, elapsed, s.cfg.MaxUtteranceTime())
	}
	observability.RecordFinalization(string(reason), elapsed)

	// Reset utterance-scoped state; the session survives for the next
	// utterance. Container header state and frame indices persist.
	s.decMu.Lock()
	s.decoder.Reset()
	s.decMu.Unlock()

	s.mu.Lock()
	s.utteranceStart = time.Time{}
	s.partial = ""
	if s.state == StateFinalizing {
		s.state = StateListening
	}
	s.finalizing = false
	s.mu.Unlock()

	s.log.Debug().Msg("utterance finalized, listening again")
}

// Respond relays one chunk of externally generated dialogue output to the
// client. The gateway's respond endpoint is a pass-through: the session
// does not interpret the text.
func (s *Session) Respond(text string, done bool) error {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if done {
		s.sink.AIResponseComplete(s.id, text)
	} else {
		s.sink.AIResponseChunk(s.id, text)
	}
	return nil
}

// PartialText returns the accumulated partial transcript of the current
// utterance.
func (s *Session) PartialText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// Finalizing reports whether a finalize is in flight.
func (s *Session) Finalizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizing
}

// Close tears the session down: the monitor is stopped and joined before
// resources are released, so no orphaned tick can fire against a freed
// session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state != StateConnecting
	s.state = StateClosed
	bridge := s.bridge
	s.mu.Unlock()

	if wasActive {
		s.monitor.Stop()
	}

	close(s.relayStop)
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			s.log.Warn().Err(err).Msg("bridge close failed")
		}
		<-s.relayDone
	}

	if wasActive {
		observability.RecordSessionEnd()
	}
	s.log.Info().Msg("session closed")
}
