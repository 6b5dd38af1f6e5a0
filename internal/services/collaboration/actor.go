package collaboration

import (
	"errors"
	"fmt"
	"log"

	"collab-core/internal/models"
	"collab-core/internal/ot"
)

/*
LEARNING: ONE ACTOR PER DOCUMENT

All mutation of a document flows through a single inbox consumed by a
single goroutine, so transform/apply/broadcast happens atomically with
respect to other edits. No lock protects the document state - there is
nothing to protect against, because only the actor goroutine touches
it. This strict message ordering is the load-bearing invariant that
prevents lost updates; it must never be parallelized across operations
for the same document.

Many documents run concurrently (one actor each), so the system scales
with the number of simultaneously edited documents, not participants.
*/

// ErrStaleBeyondHistory is returned when a submission's base revision
// predates the retained history window. The client must resync from a
// snapshot; transforming would require operations we no longer have.
var ErrStaleBeyondHistory = errors.New("base revision predates retained history")

// ErrFutureRevision is returned when a submission claims a base
// revision the document has not produced yet. A protocol violation by
// the client, distinct from an operation-length mismatch.
var ErrFutureRevision = errors.New("base revision is ahead of the document")

// DocState is the per-document lifecycle state.
type DocState string

const (
	StateEmpty    DocState = "empty"
	StateLoaded   DocState = "loaded"
	StateActive   DocState = "active"
	StateIdle     DocState = "idle"
	StateArchived DocState = "archived"
)

// Broadcaster delivers a message to every session attached to a
// document, minus one excluded session. Implemented by the session
// manager; delivery is asynchronous and never blocks the actor.
type Broadcaster interface {
	BroadcastMessage(documentID string, msg *models.Message, exceptSessionID string)
}

// MutationObserver watches the actor's mutation stream. The text
// passed along is an immutable snapshot string, never the live field,
// so observers cannot race ongoing edits. Implemented by the
// persistence manager.
type MutationObserver interface {
	OnApplied(documentID string, revision uint64, authorID string, op *ot.Operation, text string)
	OnIdle(documentID string, revision uint64, text string)
}

// historyEntry is one applied operation; Revision is the revision the
// operation produced.
type historyEntry struct {
	Revision uint64
	AuthorID string
	Op       *ot.Operation
}

// Snapshot is an immutable (text, revision) pair.
type Snapshot struct {
	Text     string
	Revision uint64
}

// SubmitResult is the actor's reply to a submission.
type SubmitResult struct {
	Op       *ot.Operation // reconciled operation as applied
	Revision uint64
	Err      error
}

type submitMsg struct {
	sessionID    string
	op           *ot.Operation
	baseRevision uint64
	reply        chan SubmitResult
}

type attachMsg struct {
	session *models.Session
	reply   chan Snapshot
}

type detachMsg struct {
	sessionID string
	reply     chan int // remaining session count
}

type snapshotMsg struct {
	reply chan Snapshot
}

type stopMsg struct {
	reply chan struct{}
}

// DocumentActor owns one document's canonical text, revision counter
// and bounded operation history. It is the only writer of all three.
type DocumentActor struct {
	id    string
	state DocState

	text     string
	revision uint64

	// history holds every applied operation newer than the oldest
	// revision a connected client might still reference, bounded to
	// historyLimit entries. Submissions based on older revisions get
	// ErrStaleBeyondHistory instead of a wrong transform.
	history      []historyEntry
	historyLimit int

	// participants are referenced, not owned - the session layer owns
	// session lifecycle.
	participants map[string]*models.Session

	inbox chan interface{}

	broadcaster Broadcaster
	observer    MutationObserver
}

// NewDocumentActor creates an actor in the Loaded state with the given
// initial text. Call Run (usually via go) to start processing.
func NewDocumentActor(id, text string, historyLimit int, broadcaster Broadcaster, observer MutationObserver) *DocumentActor {
	return &DocumentActor{
		id:           id,
		state:        StateLoaded,
		text:         text,
		historyLimit: historyLimit,
		participants: make(map[string]*models.Session),
		inbox:        make(chan interface{}, 64),
		broadcaster:  broadcaster,
		observer:     observer,
	}
}

// ID returns the document id.
func (a *DocumentActor) ID() string { return a.id }

// Run consumes the inbox until Stop. One message at a time, in arrival
// order - including Close, so in-flight operations already queued from
// a closing session are still applied before it detaches.
func (a *DocumentActor) Run() {
	for raw := range a.inbox {
		switch msg := raw.(type) {
		case submitMsg:
			msg.reply <- a.handleSubmit(msg)
		case attachMsg:
			msg.reply <- a.handleAttach(msg.session)
		case detachMsg:
			msg.reply <- a.handleDetach(msg.sessionID)
		case snapshotMsg:
			msg.reply <- Snapshot{Text: a.text, Revision: a.revision}
		case stopMsg:
			a.state = StateArchived
			close(msg.reply)
			return
		}
	}
}

// Submit hands a client operation to the actor and waits for the
// reconciled result. Safe to call from any goroutine.
func (a *DocumentActor) Submit(sessionID string, op *ot.Operation, baseRevision uint64) SubmitResult {
	reply := make(chan SubmitResult, 1)
	a.inbox <- submitMsg{sessionID: sessionID, op: op, baseRevision: baseRevision, reply: reply}
	return <-reply
}

// Attach joins a session to the document and returns the bootstrap
// snapshot.
func (a *DocumentActor) Attach(session *models.Session) Snapshot {
	reply := make(chan Snapshot, 1)
	a.inbox <- attachMsg{session: session, reply: reply}
	return <-reply
}

// Detach removes a session and returns how many remain.
func (a *DocumentActor) Detach(sessionID string) int {
	reply := make(chan int, 1)
	a.inbox <- detachMsg{sessionID: sessionID, reply: reply}
	return <-reply
}

// Snapshot returns the current (text, revision) pair, used for
// new-session bootstrap and resync.
func (a *DocumentActor) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	a.inbox <- snapshotMsg{reply: reply}
	return <-reply
}

// Stop archives the actor. The registry flushes before calling this.
func (a *DocumentActor) Stop() {
	reply := make(chan struct{})
	a.inbox <- stopMsg{reply: reply}
	<-reply
}

func (a *DocumentActor) handleAttach(session *models.Session) Snapshot {
	a.participants[session.ID] = session
	a.state = StateActive
	return Snapshot{Text: a.text, Revision: a.revision}
}

func (a *DocumentActor) handleDetach(sessionID string) int {
	delete(a.participants, sessionID)
	remaining := len(a.participants)
	if remaining == 0 {
		a.state = StateIdle
		if a.observer != nil {
			a.observer.OnIdle(a.id, a.revision, a.text)
		}
	}
	return remaining
}

// handleSubmit reconciles and applies one client operation. The
// history walk is the only loop of note here; it is CPU-bound and
// bounded by historyLimit.
func (a *DocumentActor) handleSubmit(msg submitMsg) SubmitResult {
	if msg.baseRevision > a.revision {
		return SubmitResult{Err: fmt.Errorf("base revision %d, document at revision %d: %w",
			msg.baseRevision, a.revision, ErrFutureRevision)}
	}

	// The client computed the op against baseRevision; bring it up to
	// date by transforming it past every operation applied since.
	op := msg.op
	if msg.baseRevision < a.revision {
		if len(a.history) == 0 || a.history[0].Revision > msg.baseRevision+1 {
			return SubmitResult{Err: ErrStaleBeyondHistory}
		}
		for _, entry := range a.history {
			if entry.Revision <= msg.baseRevision {
				continue
			}
			var err error
			// Insert ties go to the lower session id on every replica.
			if msg.sessionID < entry.AuthorID {
				op, _, err = ot.Transform(op, entry.Op)
			} else {
				_, op, err = ot.Transform(entry.Op, op)
			}
			if err != nil {
				return SubmitResult{Err: err}
			}
		}
	}

	newText, err := op.Apply(a.text)
	if err != nil {
		// Always a client bug. Reject, keep the payload in the log for
		// diagnosis, leave the document untouched.
		log.Printf("⚠️  Document %s: rejected operation from %s at base %d: %v (payload: %s)",
			a.id, msg.sessionID, msg.baseRevision, err, op)
		return SubmitResult{Err: err}
	}

	a.text = newText
	a.revision++
	a.history = append(a.history, historyEntry{Revision: a.revision, AuthorID: msg.sessionID, Op: op})
	if len(a.history) > a.historyLimit {
		a.history = a.history[len(a.history)-a.historyLimit:]
	}

	if a.broadcaster != nil {
		a.broadcaster.BroadcastMessage(a.id, &models.Message{
			Type:       models.MessageTypeBroadcast,
			DocumentID: a.id,
			Op:         op,
			Revision:   a.revision,
			Author:     msg.sessionID,
		}, msg.sessionID)
	}
	if a.observer != nil {
		a.observer.OnApplied(a.id, a.revision, msg.sessionID, op, a.text)
	}

	return SubmitResult{Op: op, Revision: a.revision}
}
