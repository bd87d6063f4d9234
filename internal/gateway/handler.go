package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/johnbuck/voxbridge/internal/config"
	"github.com/johnbuck/voxbridge/internal/events"
	"github.com/johnbuck/voxbridge/internal/media"
	"github.com/johnbuck/voxbridge/internal/observability"
	"github.com/johnbuck/voxbridge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin against the allowed client list.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// controlMessage is an inbound text frame on the stream socket. The first
// frame must be a start message; later text frames carry stop.
type controlMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
}

// Handler terminates client stream connections and owns the live session
// registry.
type Handler struct {
	cfg       *config.Config
	registry  *session.Registry
	newBridge session.BridgeFactory
	logger    zerolog.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(cfg *config.Config, registry *session.Registry, newBridge session.BridgeFactory) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  registry,
		newBridge: newBridge,
		logger:    observability.GetLogger().With().Str("component", "gateway").Logger(),
	}
}

// HandleWS is the stream entry point. The connection must present a start
// control message within the bind deadline; after that, binary frames are
// audio chunks and text frames are control messages.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sess, emitter, err := h.bind(conn)
	if err != nil {
		h.logger.Warn().Err(err).Msg("session bind failed")
		h.closeWithProtocolError(conn, err.Error())
		return
	}
	logger := observability.WithSession(sess.ID())
	logger.Info().Msg("stream connected")

	h.readLoop(conn, sess, logger)

	// Teardown order matters: the session close joins the monitor and
	// closes the bridge before the emitter stops accepting events.
	h.registry.Remove(sess.ID())
	sess.Close()
	emitter.Close()
	logger.Info().Msg("stream disconnected")
}

// bind waits for the start control message and assembles the session.
func (h *Handler) bind(conn *websocket.Conn) (*session.Session, *events.Emitter, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.BindTimeout())); err != nil {
		return nil, nil, err
	}
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "no start message before bind deadline", Err: err}
	}
	if msgType != websocket.TextMessage {
		return nil, nil, &ProtocolError{Reason: "first frame must be a start control message"}
	}
	var ctrl controlMessage
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		return nil, nil, &ProtocolError{Reason: "malformed control message", Err: err}
	}
	if ctrl.Event != "start" {
		return nil, nil, &ProtocolError{Reason: "first control message must be start, got " + ctrl.Event}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}

	id := ctrl.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	emitter := events.NewEmitter(conn, h.cfg.EventQueueSize, observability.WithSession(id))
	decoder := media.NewDecoder(media.DecoderConfig{
		BufferLimit: h.cfg.DecodeBufferLimit,
		NewCodec:    media.NewOpusCodec,
	})
	sess := session.New(id, session.Options{
		Config:    h.cfg,
		Decoder:   decoder,
		NewBridge: h.newBridge,
		Sink:      emitter,
		Logger:    observability.WithSession(id),
	})
	if err := h.registry.Add(sess); err != nil {
		emitter.Close()
		return nil, nil, &ProtocolError{Reason: "session id already in use", Err: err}
	}
	sess.Activate()
	return sess, emitter, nil
}

// readLoop pumps inbound frames until the client disconnects or the
// connection errors.
func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.Ingest(payload, time.Now()); err != nil {
				logger.Warn().Err(err).Msg("chunk rejected")
				return
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				logger.Warn().Err(err).Msg("malformed control message, ignoring")
				continue
			}
			switch ctrl.Event {
			case "stop":
				logger.Info().Msg("client requested stop")
				sess.StopByClient()
			default:
				logger.Warn().Str("event", ctrl.Event).Msg("unknown control event, ignoring")
			}
		}
	}
}

// closeWithProtocolError reports the bind failure on the wire before the
// connection drops.
func (h *Handler) closeWithProtocolError(conn *websocket.Conn, message string) {
	msg := events.Message{
		Event: events.KindError,
		Data: events.ErrorData{
			ErrorType: "protocol_error",
			Message:   message,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write protocol error")
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol error"), deadline)
}
