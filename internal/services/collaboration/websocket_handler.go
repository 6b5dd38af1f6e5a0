package collaboration

import (
	"log"
	"net/http"

	"collab-core/internal/middleware"
	"collab-core/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The front door terminates auth and origin checks before
		// traffic reaches this core.
		return true
	},
}

// Session colors cycle through a fixed palette; enough to tell
// cursors apart, no uniqueness requirement.
var cursorPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd", "#d19a66", "#56b6c2",
}

func colorFor(sessionID string) string {
	sum := 0
	for _, b := range []byte(sessionID) {
		sum += int(b)
	}
	return cursorPalette[sum%len(cursorPalette)]
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
	registry       *Registry
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager, registry *Registry) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		registry:       registry,
	}
}

// HandleDocumentConnection handles a WebSocket connection for a
// specific document: upgrade, open the document's actor, attach, send
// the bootstrap snapshot, then hand off to the read/write pumps.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	documentID := vars["id"]

	// Identity comes from the front-door collaborator, already
	// trusted. No auth happens here.
	userID := r.Header.Get("X-User-ID")
	userName := r.Header.Get("X-User-Name")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userName == "" {
		userName = r.URL.Query().Get("user_name")
	}
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	actor, err := h.registry.Open(ctx, documentID)
	if err != nil {
		log.Printf("⚠️  Failed to open document %s: %v", documentID, err)
		middleware.AddSpanError(ctx, err)
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	model := models.NewSession(documentID, userID, userName)
	session := &Session{
		Session: model,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		Manager: h.sessionManager,
		Color:   colorFor(model.ID),
	}

	snap := actor.Attach(session.Session)
	h.sessionManager.register <- session

	h.sendInitialState(session, snap)

	// Separate goroutines prevent deadlock between reading and writing.
	go session.WritePump(ctx)
	go session.ReadPump(ctx)

	log.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, userName, session.ID)
}

// sendInitialState sends the snapshot and current presence to a new
// client.
func (h *WebSocketHandler) sendInitialState(session *Session, snap Snapshot) {
	session.sendMessage(&models.Message{
		Type:       models.MessageTypeSnapshot,
		DocumentID: session.DocumentID,
		SessionID:  session.ID,
		Text:       snap.Text,
		Revision:   snap.Revision,
	})

	for _, p := range h.sessionManager.GetPresence(session.DocumentID) {
		if p.SessionID == session.ID {
			continue
		}
		cursor := p.Cursor
		session.sendMessage(&models.Message{
			Type:       models.MessageTypePresence,
			DocumentID: session.DocumentID,
			SessionID:  p.SessionID,
			Author:     p.SessionID,
			Cursor:     &cursor,
			User:       p.User,
		})
	}
}
