package api

import (
	"encoding/json"
	"net/http"

	"collab-core/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	registry  *collaboration.Registry
	wsHandler *collaboration.WebSocketHandler
	presence  PresenceDirectory
	validator Validator // Interface defined in this package
	flusher   Flusher   // Interface defined in this package
}

func NewHandler(
	registry *collaboration.Registry,
	wsHandler *collaboration.WebSocketHandler,
	presence PresenceDirectory,
	validator Validator,
	flusher Flusher,
) *Handler {
	return &Handler{
		registry:  registry,
		wsHandler: wsHandler,
		presence:  presence,
		validator: validator,
		flusher:   flusher,
	}
}

// GetSnapshot returns the current (text, revision) of a document,
// opening it if necessary.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	actor, err := h.registry.Open(r.Context(), documentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	snap := actor.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": documentID,
		"revision":    snap.Revision,
		"text":        snap.Text,
	})
}

// GetPresence lists the live cursors on a document.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": documentID,
		"presence":    h.presence.GetPresence(documentID),
	})
}

// PublishDocument hands the composed text to the structural validator
// and, when accepted, forces a flush so the content store holds the
// published version. A reject never blocks continued editing - the
// response just carries the suggestions back.
func (h *Handler) PublishDocument(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	actor, ok := h.registry.Get(documentID)
	if !ok {
		var err error
		actor, err = h.registry.Open(r.Context(), documentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	snap := actor.Snapshot()

	result, err := h.validator.Validate(r.Context(), documentID, snap.Text)
	if err != nil {
		http.Error(w, "validator unavailable: "+err.Error(), http.StatusBadGateway)
		return
	}

	published := false
	if result.Accepted {
		if err := h.flusher.FlushNow(r.Context(), documentID); err != nil {
			http.Error(w, "validated but flush failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		published = true
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": documentID,
		"revision":    snap.Revision,
		"published":   published,
		"accepted":    result.Accepted,
		"suggestions": result.Suggestions,
	})
}
