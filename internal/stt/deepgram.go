package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/johnbuck/voxbridge/internal/audio"
	"github.com/johnbuck/voxbridge/internal/config"
	"github.com/johnbuck/voxbridge/internal/observability"
	"github.com/johnbuck/voxbridge/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface,
// embedding the default handler and overriding only what we customize.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramBridge implements Bridge using Deepgram's live streaming API.
type DeepgramBridge struct {
	cfg        *config.Config
	channels   int
	sampleRate int
	logger     zerolog.Logger

	client  *listenClient.WSCallback
	results chan *Result
	errs    chan error

	mu       sync.RWMutex
	isActive bool

	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramBridge creates a bridge for one session's audio profile. The
// channel count and sample rate come from the session's bound container
// header.
func NewDeepgramBridge(cfg *config.Config, channels, sampleRate int, logger zerolog.Logger) *DeepgramBridge {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramBridge{
		cfg:            cfg,
		channels:       channels,
		sampleRate:     sampleRate,
		logger:         logger,
		results:        make(chan *Result, 100),
		errs:           make(chan error, 8),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: circuitBreaker,
	}
}

// Start opens the Deepgram streaming connection.
func (d *DeepgramBridge) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram bridge is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       d.channels,
		SampleRate:     d.sampleRate,
	}

	// Endpoint override supports self-hosted deployments and tests.
	var cOptions *interfaces.ClientOptions
	if d.cfg.STTEndpoint != "" {
		cOptions = &interfaces.ClientOptions{Host: d.cfg.STTEndpoint}
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Warn().
				Interface("response", errorResponse).
				Msg("transcription service error")

			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("deepgram")

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()
				go d.attemptReconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.cfg.DeepgramAPIKey,
		cOptions,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("create deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))

	d.logger.Info().
		Str("model", d.cfg.DeepgramModel).
		Str("language", d.cfg.DeepgramLanguage).
		Int("channels", d.channels).
		Int("sample_rate", d.sampleRate).
		Msg("transcription stream opened")
	return nil
}

// handleMessage processes transcript messages from Deepgram.
func (d *DeepgramBridge) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata", "SpeechStarted", "UtteranceEnd":
		d.logger.Debug().Str("type", msg.Type).Msg("transcription service event")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		result := &Result{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  msg.Start,
			Duration:   msg.Duration,
		}

		select {
		case d.results <- result:
		default:
			d.logger.Warn().Msg("results channel full, dropping transcript update")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("unhandled transcription message type")
	}
}

// SendPCM forwards interleaved PCM to Deepgram as linear16 bytes.
func (d *DeepgramBridge) SendPCM(pcm []int16) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram bridge is not active")
		}

		if _, err := client.Write(audio.BytesLE(pcm)); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("send audio: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
	}
	return err
}

// Flush asks the service to finalize whatever audio it is still holding, so
// a final transcript is produced for the utterance being closed.
func (d *DeepgramBridge) Flush() error {
	d.mu.RLock()
	active := d.isActive
	client := d.client
	d.mu.RUnlock()

	if !active || client == nil {
		return fmt.Errorf("deepgram bridge is not active")
	}

	if err := client.Finalize(); err != nil {
		return fmt.Errorf("finalize stream: %w", err)
	}
	return nil
}

// attemptReconnect re-establishes the connection with bounded backoff.
// Exhaustion is surfaced on Errors(); the session stays open so a later
// utterance can retry cleanly.
func (d *DeepgramBridge) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	alreadyActive := d.isActive
	d.mu.RUnlock()
	if alreadyActive {
		return
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	err := resilience.Reconnect(d.ctx, func() error {
		return d.Start()
	}, reconnectConfig)

	if err != nil {
		d.logger.Error().Err(err).Msg("transcription reconnect exhausted")
		select {
		case d.errs <- fmt.Errorf("transcription service unavailable: %w", err):
		default:
		}
		return
	}
	d.logger.Info().Msg("transcription stream reconnected")
}

// Results returns the transcript update channel.
func (d *DeepgramBridge) Results() <-chan *Result {
	return d.results
}

// Errors returns the channel carrying retry-exhausted connection errors.
func (d *DeepgramBridge) Errors() <-chan error {
	return d.errs
}

// Stop ends the streaming connection.
func (d *DeepgramBridge) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	d.client.Finish()
	d.isActive = false
	d.logger.Debug().Msg("transcription stream stopped")
	return nil
}

// Close stops the stream and releases resources.
func (d *DeepgramBridge) Close() error {
	d.cancel() // stop any in-flight reconnection attempts

	if err := d.Stop(); err != nil {
		return err
	}

	// Close the results channel after a short delay to let pending reads
	// drain.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.results)
	}()

	return nil
}
