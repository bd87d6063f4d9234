package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnbuck/voxbridge/internal/observability"
)

// Conn is the minimal write surface of a client connection. gorilla
// websocket connections satisfy it; tests use stubs.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Emitter serializes internal events onto the client connection. It is a
// pure serialization boundary: no business logic, and enqueueing never
// blocks the ingestion loop or the utterance monitor. A single pump
// goroutine owns all writes, which also serializes access to the
// connection.
type Emitter struct {
	conn   Conn
	queue  chan Message
	done   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewEmitter creates an emitter and starts its write pump.
func NewEmitter(conn Conn, queueSize int, logger zerolog.Logger) *Emitter {
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &Emitter{
		conn:   conn,
		queue:  make(chan Message, queueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: logger,
	}
	go e.pump()
	return e
}

func (e *Emitter) pump() {
	defer close(e.closed)
	for {
		select {
		case msg := <-e.queue:
			e.write(msg)
		case <-e.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case msg := <-e.queue:
					e.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) write(msg Message) {
	if err := e.conn.WriteJSON(msg); err != nil {
		e.logger.Warn().Err(err).Str("event", string(msg.Event)).Msg("client write failed")
	}
}

// Emit queues a message for delivery. A full queue drops the message rather
// than stalling the caller.
func (e *Emitter) Emit(msg Message) {
	select {
	case e.queue <- msg:
	default:
		observability.RecordDroppedEvent(string(msg.Event))
		e.logger.Warn().Str("event", string(msg.Event)).Msg("event queue full, dropping")
	}
}

// PartialTranscript emits an interim transcript update.
func (e *Emitter) PartialTranscript(sessionID, text string) {
	e.Emit(Message{Event: KindPartialTranscript, Data: TranscriptData{Text: text, SessionID: sessionID}})
}

// FinalTranscript emits a final transcript.
func (e *Emitter) FinalTranscript(sessionID, text string) {
	e.Emit(Message{Event: KindFinalTranscript, Data: TranscriptData{Text: text, SessionID: sessionID}})
}

// StopListeningSilence emits the silence-triggered stop event.
func (e *Emitter) StopListeningSilence(sessionID string, silence time.Duration) {
	ms := silence.Milliseconds()
	e.Emit(Message{Event: KindStopListening, Data: StopListeningData{
		SessionID:         sessionID,
		Reason:            ReasonSilenceDetected,
		SilenceDurationMs: &ms,
	}})
}

// StopListeningMaxUtterance emits the max-duration stop event.
func (e *Emitter) StopListeningMaxUtterance(sessionID string, elapsed, max time.Duration) {
	e.Emit(Message{Event: KindStopListening, Data: StopListeningData{
		SessionID: sessionID,
		Reason:    ReasonMaxUtteranceTimeout,
		ElapsedMs: elapsed.Milliseconds(),
		MaxMs:     max.Milliseconds(),
	}})
}

// AIResponseChunk relays a dialogue-stage response chunk.
func (e *Emitter) AIResponseChunk(sessionID, text string) {
	e.Emit(Message{Event: KindAIResponseChunk, Data: TranscriptData{Text: text, SessionID: sessionID}})
}

// AIResponseComplete relays the dialogue-stage completion marker.
func (e *Emitter) AIResponseComplete(sessionID, text string) {
	e.Emit(Message{Event: KindAIResponseComplete, Data: TranscriptData{Text: text, SessionID: sessionID}})
}

// Error emits an error event.
func (e *Emitter) Error(sessionID, errorType, message string) {
	e.Emit(Message{Event: KindError, Data: ErrorData{
		ErrorType: errorType,
		Message:   message,
		SessionID: sessionID,
	}})
}

// Close stops the pump after draining queued messages and waits for it to
// exit.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	<-e.closed
}
