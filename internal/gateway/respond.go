package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/johnbuck/voxbridge/internal/session"
)

// respondRequest is one chunk of dialogue output from the external
// response stage, relayed verbatim to the session's client.
type respondRequest struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// HandleRespond relays POST /v1/sessions/{id}/respond to the session's
// event stream as ai_response_chunk / ai_response_complete.
func (h *Handler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := respondSessionID(r.URL.Path)
	if id == "" {
		http.Error(w, "missing session id", http.StatusNotFound)
		return
	}
	sess, ok := h.registry.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if err := sess.Respond(req.Text, req.Done); err != nil {
		if errors.Is(err, session.ErrClosed) {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// respondSessionID extracts {id} from /v1/sessions/{id}/respond.
func respondSessionID(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/sessions/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/respond")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
