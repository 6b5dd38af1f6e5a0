package collaboration

import (
	"context"
	"log"
	"sync"
	"time"

	"collab-core/internal/middleware"
	"collab-core/internal/models"
	"collab-core/internal/ot"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

This implements concurrent session management for real-time
collaboration on top of the per-document actors.

Key Concepts:
1. **Connection rooms**: one set of sessions per document
2. **Broadcast pattern**: fan a message out to a room, minus the sender
3. **Presence coalescing**: cursor updates are batched to one per
   session per 50ms - presence staleness is tolerated, text staleness
   is not
4. **Cleanup**: sessions idle past the timeout are force-disconnected

The manager's event loop owns the room maps; document text is owned by
the actors and never touched here.
*/

const (
	presenceInterval = 50 * time.Millisecond
	sessionTimeout   = 5 * time.Minute
	sendBufferSize   = 256
)

// SessionManager manages all active WebSocket sessions
type SessionManager struct {
	documents  map[string]map[*Session]bool // documentID -> set of sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	// Presence state (cursor per session per document)
	presence  map[string]map[string]*models.Presence // documentID -> sessionID -> presence
	presDirty map[string]map[string]bool
	presMu    sync.Mutex

	registry *Registry

	done chan struct{}
}

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound messages
	Manager *SessionManager
	Color   string

	// sendMu serializes enqueue against closeSend: the read pump can
	// still be mid-message when the event loop unregisters the session,
	// and a send on a closed channel would take the whole process down.
	sendMu     sync.Mutex
	sendClosed bool
}

// enqueue queues data for the write pump. Returns false when the
// buffer is full; a message for an already-closed session is dropped
// silently (the session is tearing down, there is nobody to tell).
func (s *Session) enqueue(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return true
	}
	select {
	case s.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. After this,
// enqueue becomes a no-op instead of a panic.
func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.Send)
	}
}

// BroadcastMessage represents a message to broadcast to a document room
type BroadcastMessage struct {
	DocumentID      string
	Message         []byte
	ExceptSessionID string
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		documents:  make(map[string]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *BroadcastMessage, 256),
		presence:   make(map[string]map[string]*models.Presence),
		presDirty:  make(map[string]map[string]bool),
		done:       make(chan struct{}),
	}
}

// SetRegistry wires the document registry. Done after construction
// because the registry needs the manager as its broadcaster.
func (sm *SessionManager) SetRegistry(registry *Registry) {
	sm.registry = registry
}

// Start begins the session manager event loops.
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting WebSocket session manager...")

	go func() {
		for {
			select {
			case <-sm.done:
				log.Println("Session manager shutting down...")
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	go sm.presenceLoop()
	go sm.cleanupLoop()

	log.Println("✓ WebSocket session manager started")
}

// BroadcastMessage implements the actor's Broadcaster: encode the
// envelope and fan it out to the document's room. Applied operations
// also shift every stored cursor so presence stays aligned with the
// new text.
func (sm *SessionManager) BroadcastMessage(documentID string, msg *models.Message, exceptSessionID string) {
	if msg.Type == models.MessageTypeBroadcast && msg.Op != nil {
		sm.shiftCursors(documentID, msg.Op, msg.Author)
	}

	data, err := msg.Encode()
	if err != nil {
		log.Printf("⚠️  Failed to encode %s message for document %s: %v", msg.Type, documentID, err)
		return
	}
	// Non-blocking: callers include the actor loops and the event loop
	// itself, and neither may ever wait on fan-out. A dropped delivery
	// is recoverable (the client resyncs from a snapshot); a stalled
	// actor is not.
	select {
	case sm.broadcast <- &BroadcastMessage{
		DocumentID:      documentID,
		Message:         data,
		ExceptSessionID: exceptSessionID,
	}:
	default:
		log.Printf("⚠️  Broadcast queue full, dropping %s for document %s", msg.Type, documentID)
	}
}

// handleRegister adds a session to a document room
func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	if sm.documents[session.DocumentID] == nil {
		sm.documents[session.DocumentID] = make(map[*Session]bool)
	}
	sm.documents[session.DocumentID][session] = true
	total := len(sm.documents[session.DocumentID])
	sm.mu.Unlock()

	log.Printf("  Session %s joined document %s (total: %d users)",
		session.ID, session.DocumentID, total)

	joined := &models.Message{
		Type:       models.MessageTypeJoin,
		DocumentID: session.DocumentID,
		SessionID:  session.ID,
		User: &models.UserInfo{
			ID:    session.UserID,
			Name:  session.UserName,
			Color: session.Color,
		},
	}
	sm.BroadcastMessage(session.DocumentID, joined, session.ID)
}

// handleUnregister removes a session from a document room
func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.documents[session.DocumentID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	if _, ok := sessions[session]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	session.closeSend()
	remaining := len(sessions)
	if remaining == 0 {
		delete(sm.documents, session.DocumentID)
	}
	sm.mu.Unlock()

	session.Session.State = models.ConnDisconnected

	sm.presMu.Lock()
	if p, exists := sm.presence[session.DocumentID]; exists {
		delete(p, session.ID)
	}
	if d, exists := sm.presDirty[session.DocumentID]; exists {
		delete(d, session.ID)
	}
	sm.presMu.Unlock()

	log.Printf("  Session %s left document %s (remaining: %d users)",
		session.ID, session.DocumentID, remaining)

	// Detach through the actor's inbox so already-queued operations
	// from this session land first.
	if actor, ok := sm.registry.Get(session.DocumentID); ok {
		if actor.Detach(session.ID) == 0 {
			sm.registry.Release(session.DocumentID)
		}
	}

	left := &models.Message{
		Type:       models.MessageTypeLeave,
		DocumentID: session.DocumentID,
		SessionID:  session.ID,
		User: &models.UserInfo{
			ID:    session.UserID,
			Name:  session.UserName,
			Color: session.Color,
		},
	}
	sm.BroadcastMessage(session.DocumentID, left, "")
}

// handleBroadcast sends a message to all sessions in a document
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.documents[msg.DocumentID]))
	for session := range sm.documents[msg.DocumentID] {
		sessions = append(sessions, session)
	}
	sm.mu.RUnlock()

	for _, session := range sessions {
		if msg.ExceptSessionID != "" && session.ID == msg.ExceptSessionID {
			continue
		}
		if !session.enqueue(msg.Message) {
			// Buffer full - connection is slow/dead. A slow session
			// only loses its own delivery, never the actor's progress.
			log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
			go func(s *Session) { sm.unregister <- s }(session)
		}
	}
}

// UpdatePresence records a cursor move; the presence loop fans it out.
func (sm *SessionManager) UpdatePresence(session *Session, cursor ot.Cursor) {
	sm.presMu.Lock()
	defer sm.presMu.Unlock()

	if sm.presence[session.DocumentID] == nil {
		sm.presence[session.DocumentID] = make(map[string]*models.Presence)
		sm.presDirty[session.DocumentID] = make(map[string]bool)
	}
	sm.presence[session.DocumentID][session.ID] = &models.Presence{
		SessionID: session.ID,
		User: &models.UserInfo{
			ID:    session.UserID,
			Name:  session.UserName,
			Color: session.Color,
		},
		Cursor: cursor,
	}
	sm.presDirty[session.DocumentID][session.ID] = true
}

// shiftCursors maps every stored cursor for a document through an
// applied operation. Observing cursors never ride an insert at their
// own position, so own=false throughout; the author refreshes its own
// cursor with its next presence message.
func (sm *SessionManager) shiftCursors(documentID string, op *ot.Operation, authorID string) {
	sm.presMu.Lock()
	defer sm.presMu.Unlock()

	for sessionID, p := range sm.presence[documentID] {
		if sessionID == authorID {
			continue
		}
		shifted := op.TransformCursor(p.Cursor, false)
		if shifted != p.Cursor {
			p.Cursor = shifted
			sm.presDirty[documentID][sessionID] = true
		}
	}
}

// presenceLoop fans out dirty cursors at most once per interval.
// Fire-and-forget: presence messages are never acknowledged.
func (sm *SessionManager) presenceLoop() {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.flushPresence()
		}
	}
}

func (sm *SessionManager) flushPresence() {
	type outgoing struct {
		documentID string
		sessionID  string
		data       []byte
	}
	var out []outgoing

	sm.presMu.Lock()
	for documentID, dirty := range sm.presDirty {
		for sessionID := range dirty {
			p := sm.presence[documentID][sessionID]
			if p == nil {
				continue
			}
			msg := &models.Message{
				Type:       models.MessageTypePresence,
				DocumentID: documentID,
				SessionID:  sessionID,
				Author:     sessionID,
				Cursor:     &p.Cursor,
				User:       p.User,
			}
			if data, err := msg.Encode(); err == nil {
				out = append(out, outgoing{documentID, sessionID, data})
			}
		}
		sm.presDirty[documentID] = make(map[string]bool)
	}
	sm.presMu.Unlock()

	for _, o := range out {
		select {
		case sm.broadcast <- &BroadcastMessage{
			DocumentID:      o.documentID,
			Message:         o.data,
			ExceptSessionID: o.sessionID,
		}:
		default:
			// Stale presence is tolerated; the next cursor move
			// refreshes it.
		}
	}
}

// GetPresence returns the current presence records for a document.
func (sm *SessionManager) GetPresence(documentID string) []*models.Presence {
	sm.presMu.Lock()
	defer sm.presMu.Unlock()

	result := make([]*models.Presence, 0, len(sm.presence[documentID]))
	for _, p := range sm.presence[documentID] {
		result = append(result, p)
	}
	return result
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup force-disconnects sessions with no traffic for the timeout.
func (sm *SessionManager) cleanup() {
	sm.mu.RLock()
	var stale []*Session
	now := time.Now()
	for _, sessions := range sm.documents {
		for session := range sessions {
			if now.Sub(session.LastActiveAt) > sessionTimeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		session.Conn.Close()
		sm.unregister <- session
	}
}

// Shutdown gracefully closes all connections
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	close(sm.done)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sessions := range sm.documents {
		for session := range sessions {
			session.closeSend()
			session.Conn.Close()
		}
	}
	sm.documents = make(map[string]map[*Session]bool)
	log.Println("✓ Session manager shutdown complete")
}

// Session methods

// ReadPump reads protocol messages from the WebSocket connection.
// Each session has its own goroutine reading from the socket, so a
// blocked actor call here never stalls other sessions.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.unregister <- s
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.LastActiveAt = time.Now()

		msg, err := models.DecodeMessage(data)
		if err != nil {
			s.sendMessage(&models.Message{Type: models.MessageTypeError, Reason: "malformed message"})
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.String("message.type", string(msg.Type)),
		)
		if s.handleMessage(msgCtx, msg) {
			span.End()
			break
		}
		span.End()
	}
}

// handleMessage dispatches one client message. Returns true when the
// session asked to close.
func (s *Session) handleMessage(ctx context.Context, msg *models.Message) (closed bool) {
	switch msg.Type {
	case models.MessageTypeOpen:
		// Resync path: client discarded local state, wants a fresh
		// snapshot.
		actor, ok := s.Manager.registry.Get(s.DocumentID)
		if !ok {
			var err error
			actor, err = s.Manager.registry.Open(ctx, s.DocumentID)
			if err != nil {
				middleware.AddSpanError(ctx, err)
				s.sendMessage(&models.Message{Type: models.MessageTypeError, Reason: "document unavailable"})
				return false
			}
			actor.Attach(s.Session)
		}
		snap := actor.Snapshot()
		s.sendMessage(&models.Message{
			Type:       models.MessageTypeSnapshot,
			DocumentID: s.DocumentID,
			Text:       snap.Text,
			Revision:   snap.Revision,
		})

	case models.MessageTypeSubmitOp:
		if msg.Op == nil {
			s.sendMessage(&models.Message{Type: models.MessageTypeError, Reason: "submit_op without op"})
			return false
		}
		s.handleSubmit(ctx, msg)

	case models.MessageTypePresence:
		if msg.Cursor != nil {
			s.Manager.UpdatePresence(s, *msg.Cursor)
		}

	case models.MessageTypeClose:
		return true
	}
	return false
}

func (s *Session) handleSubmit(ctx context.Context, msg *models.Message) {
	actor, ok := s.Manager.registry.Get(s.DocumentID)
	if !ok {
		s.sendMessage(&models.Message{Type: models.MessageTypeError, Reason: "document not open"})
		return
	}

	result := actor.Submit(s.ID, msg.Op, msg.BaseRevision)
	switch {
	case result.Err == nil:
		s.sendMessage(&models.Message{
			Type:       models.MessageTypeAck,
			DocumentID: s.DocumentID,
			Revision:   result.Revision,
		})
	case result.Err == ErrStaleBeyondHistory:
		// Never silently dropped: the client must discard local state
		// and re-issue open.
		s.sendMessage(&models.Message{
			Type:       models.MessageTypeResync,
			DocumentID: s.DocumentID,
		})
	default:
		middleware.AddSpanError(ctx, result.Err)
		s.sendMessage(&models.Message{
			Type:       models.MessageTypeError,
			DocumentID: s.DocumentID,
			Reason:     result.Err.Error(),
		})
	}
}

func (s *Session) sendMessage(msg *models.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !s.enqueue(data) {
		log.Printf("⚠️  Session %s send buffer full, dropping %s", s.ID, msg.Type)
	}
}

// WritePump writes messages to the WebSocket connection.
// A separate goroutine for writing prevents blocking on slow clients.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(54 * time.Second) // Ping interval
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
