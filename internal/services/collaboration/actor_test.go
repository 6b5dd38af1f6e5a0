package collaboration

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"collab-core/internal/models"
	"collab-core/internal/ot"

	"github.com/go-playground/assert/v2"
)

type appliedRecord struct {
	revision uint64
	authorID string
	op       *ot.Operation
	text     string
}

// recordingObserver captures the mutation stream the persistence
// manager would normally consume.
type recordingObserver struct {
	mu      sync.Mutex
	applied []appliedRecord
	idle    []string
}

func (o *recordingObserver) OnApplied(documentID string, revision uint64, authorID string, op *ot.Operation, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, appliedRecord{revision, authorID, op, text})
}

func (o *recordingObserver) OnIdle(documentID string, revision uint64, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.idle = append(o.idle, documentID)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (b *recordingBroadcaster) BroadcastMessage(documentID string, msg *models.Message, exceptSessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func startActor(t *testing.T, text string, historyLimit int) (*DocumentActor, *recordingBroadcaster, *recordingObserver) {
	t.Helper()
	bc := &recordingBroadcaster{}
	obs := &recordingObserver{}
	actor := NewDocumentActor("doc1", text, historyLimit, bc, obs)
	go actor.Run()
	t.Cleanup(actor.Stop)
	return actor, bc, obs
}

func session(id string) *models.Session {
	s := models.NewSession("doc1", "user-"+id, "User "+id)
	s.ID = id
	return s
}

func TestActorSubmitAtCurrentRevision(t *testing.T) {
	actor, bc, _ := startActor(t, "Hello", 500)
	snap := actor.Attach(session("s1"))
	assert.Equal(t, snap.Text, "Hello")
	assert.Equal(t, snap.Revision, uint64(0))

	res := actor.Submit("s1", ot.New().Retain(5).Insert("!"), 0)
	assert.Equal(t, res.Err, nil)
	assert.Equal(t, res.Revision, uint64(1))

	snap = actor.Snapshot()
	assert.Equal(t, snap.Text, "Hello!")
	assert.Equal(t, snap.Revision, uint64(1))

	// join broadcast is not emitted by the actor; the one message is
	// the applied operation.
	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Equal(t, len(bc.msgs), 1)
	assert.Equal(t, bc.msgs[0].Type, models.MessageTypeBroadcast)
	assert.Equal(t, bc.msgs[0].Author, "s1")
	assert.Equal(t, bc.msgs[0].Revision, uint64(1))
}

func TestActorTransformsStaleSubmission(t *testing.T) {
	// Both sessions edit from revision 0; the later arrival is
	// transformed past the first. Insert survives, delete shifts.
	actor, _, _ := startActor(t, "Hello", 500)
	actor.Attach(session("s1"))
	actor.Attach(session("s2"))

	res := actor.Submit("s1", ot.New().Insert("X").Retain(5), 0)
	assert.Equal(t, res.Err, nil)

	res = actor.Submit("s2", ot.New().Delete(1).Retain(4), 0)
	assert.Equal(t, res.Err, nil)
	assert.Equal(t, res.Revision, uint64(2))

	assert.Equal(t, actor.Snapshot().Text, "Xello")
}

func TestActorInsertTieBreakBySessionID(t *testing.T) {
	// Same-offset inserts from revision 0: the lower session id's
	// text ends up first regardless of arrival order.
	for _, firstArrival := range []string{"s1", "s2"} {
		actor, _, _ := startActor(t, "abcdef", 500)
		actor.Attach(session("s1"))
		actor.Attach(session("s2"))

		ops := map[string]*ot.Operation{
			"s1": ot.New().Retain(3).Insert("ONE").Retain(3),
			"s2": ot.New().Retain(3).Insert("TWO").Retain(3),
		}
		second := "s2"
		if firstArrival == "s2" {
			second = "s1"
		}

		res := actor.Submit(firstArrival, ops[firstArrival], 0)
		assert.Equal(t, res.Err, nil)
		res = actor.Submit(second, ops[second], 0)
		assert.Equal(t, res.Err, nil)

		assert.Equal(t, actor.Snapshot().Text, "abcONETWOdef")
	}
}

func TestActorStaleBeyondHistory(t *testing.T) {
	// With a 5-entry window, a base revision older than the oldest
	// retained entry must produce a resync, not a wrong transform.
	actor, _, _ := startActor(t, "", 5)
	actor.Attach(session("s1"))

	for i := 0; i < 10; i++ {
		res := actor.Submit("s1", ot.New().Retain(i).Insert("x"), uint64(i))
		assert.Equal(t, res.Err, nil)
	}

	res := actor.Submit("s2", ot.New().Insert("y"), 0)
	assert.Equal(t, errors.Is(res.Err, ErrStaleBeyondHistory), true)

	// Text is untouched by the rejected submission.
	assert.Equal(t, actor.Snapshot().Text, "xxxxxxxxxx")

	// A base revision still inside the window transforms fine.
	res = actor.Submit("s2", ot.New().Retain(8).Insert("y"), 8)
	assert.Equal(t, res.Err, nil)
}

func TestActorRejectsStructureMismatch(t *testing.T) {
	actor, bc, _ := startActor(t, "Hello", 500)
	actor.Attach(session("s1"))

	res := actor.Submit("s1", ot.New().Retain(99).Insert("!"), 0)
	assert.Equal(t, errors.Is(res.Err, ot.ErrStructureMismatch), true)

	// Not applied, not broadcast.
	assert.Equal(t, actor.Snapshot().Revision, uint64(0))
	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Equal(t, len(bc.msgs), 0)
}

func TestActorFutureBaseRevisionRejected(t *testing.T) {
	actor, _, _ := startActor(t, "Hello", 500)
	actor.Attach(session("s1"))

	res := actor.Submit("s1", ot.New().Retain(5), 7)
	assert.Equal(t, errors.Is(res.Err, ErrFutureRevision), true)
	assert.Equal(t, actor.Snapshot().Revision, uint64(0))
}

func TestActorSnapshotReplayEquivalence(t *testing.T) {
	// Replaying the observed mutation stream over the initial text
	// reproduces the live document exactly.
	initial := "draft: "
	actor, _, obs := startActor(t, initial, 500)
	actor.Attach(session("s1"))
	actor.Attach(session("s2"))

	docLen := len([]rune(initial))
	for i := 0; i < 20; i++ {
		sid := "s1"
		if i%2 == 1 {
			sid = "s2"
		}
		word := fmt.Sprintf("w%d ", i)
		res := actor.Submit(sid, ot.New().Retain(docLen).Insert(word), uint64(i))
		assert.Equal(t, res.Err, nil)
		docLen += len([]rune(word))
	}

	live := actor.Snapshot()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	replayed := initial
	for _, rec := range obs.applied {
		var err error
		replayed, err = rec.op.Apply(replayed)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, replayed, live.Text)
	assert.Equal(t, obs.applied[len(obs.applied)-1].revision, live.Revision)
}

func TestActorDetachSignalsIdle(t *testing.T) {
	actor, _, obs := startActor(t, "Hello", 500)
	actor.Attach(session("s1"))
	actor.Attach(session("s2"))

	assert.Equal(t, actor.Detach("s1"), 1)
	obs.mu.Lock()
	assert.Equal(t, len(obs.idle), 0)
	obs.mu.Unlock()

	assert.Equal(t, actor.Detach("s2"), 0)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, obs.idle, []string{"doc1"})
}
