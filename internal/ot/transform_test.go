package ot_test

import (
	"math/rand"
	"testing"

	"collab-core/internal/ot"

	"github.com/go-playground/assert/v2"
)

// converge applies both sides of the OT diamond and checks they meet.
func converge(t *testing.T, doc string, a, b *ot.Operation) string {
	t.Helper()

	aPrime, bPrime, err := ot.Transform(a, b)
	assert.Equal(t, err, nil)

	viaA, err := a.Apply(doc)
	assert.Equal(t, err, nil)
	viaA, err = bPrime.Apply(viaA)
	assert.Equal(t, err, nil)

	viaB, err := b.Apply(doc)
	assert.Equal(t, err, nil)
	viaB, err = aPrime.Apply(viaB)
	assert.Equal(t, err, nil)

	assert.Equal(t, viaA, viaB)
	return viaA
}

func TestTransformInsertSurvivesDelete(t *testing.T) {
	// P1 inserts "X" at 0, P2 concurrently deletes the "H". The insert
	// survives and the delete shifts past it, on both paths.
	doc := "Hello"
	p1 := ot.New().Insert("X").Retain(5)
	p2 := ot.New().Delete(1).Retain(4)

	assert.Equal(t, converge(t, doc, p1, p2), "Xello")
}

func TestTransformInsertTieBreak(t *testing.T) {
	// Two sessions insert different text at the same offset. The
	// operation passed first wins the tie, so ordering the pair by
	// session id makes every replica place session 1's text first.
	doc := "abcdef"
	s1 := ot.New().Retain(3).Insert("ONE").Retain(3)
	s2 := ot.New().Retain(3).Insert("TWO").Retain(3)

	assert.Equal(t, converge(t, doc, s1, s2), "abcONETWOdef")
}

func TestTransformOverlappingDeletes(t *testing.T) {
	// Overlapping ranges: the overlap is deleted once, not twice.
	doc := "abcdefgh"
	a := ot.New().Retain(1).Delete(4).Retain(3) // deletes bcde
	b := ot.New().Retain(3).Delete(4).Retain(1) // deletes defg

	assert.Equal(t, converge(t, doc, a, b), "ah")
}

func TestTransformIdenticalDeletes(t *testing.T) {
	doc := "abcdef"
	a := ot.New().Retain(2).Delete(2).Retain(2)
	b := ot.New().Retain(2).Delete(2).Retain(2)

	assert.Equal(t, converge(t, doc, a, b), "abef")
}

func TestTransformNoopPair(t *testing.T) {
	doc := "stable"
	a := ot.New().Retain(6)
	b := ot.New().Retain(2).Insert("!").Retain(4)

	assert.Equal(t, converge(t, doc, a, b), "st!able")
}

func TestTransformLengthMismatch(t *testing.T) {
	a := ot.New().Retain(3)
	b := ot.New().Retain(5)
	_, _, err := ot.Transform(a, b)
	assert.NotEqual(t, err, nil)
}

// TestTransformConvergenceRandom hammers the full reconciliation table
// with random operation pairs, including overlapping deletes,
// same-point insert ties and zero-length edits.
func TestTransformConvergenceRandom(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		doc := randomText(r, r.Intn(40))
		a := randomOperation(r, doc)
		b := randomOperation(r, doc)
		converge(t, doc, a, b)
	}
}

const randomAlphabet = "abßξ🙂xyz "

func randomText(r *rand.Rand, n int) string {
	runes := []rune(randomAlphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = runes[r.Intn(len(runes))]
	}
	return string(out)
}

func randomOperation(r *rand.Rand, doc string) *ot.Operation {
	docLen := len([]rune(doc))
	op := ot.New()
	pos := 0
	for pos < docLen {
		switch r.Intn(4) {
		case 0:
			op.Insert(randomText(r, 1+r.Intn(3)))
		case 1:
			n := 1 + r.Intn(docLen-pos)
			op.Delete(n)
			pos += n
		default:
			n := 1 + r.Intn(docLen-pos)
			op.Retain(n)
			pos += n
		}
	}
	if r.Intn(2) == 0 {
		op.Insert(randomText(r, r.Intn(3)))
	}
	return op
}

func TestTransformCursorThroughNoop(t *testing.T) {
	// A retain-only operation moves nothing.
	op := ot.New().Retain(10)
	c := ot.Cursor{Anchor: 3, Head: 7}
	assert.Equal(t, op.TransformCursor(c, false), c)
	assert.Equal(t, op.TransformCursor(c, true), c)
}

func TestTransformCursorInsert(t *testing.T) {
	op := ot.New().Retain(3).Insert("ab").Retain(2)

	// Before the insert: unaffected.
	assert.Equal(t, op.TransformIndex(2, false), 2)
	// After the insert: shifted by its length.
	assert.Equal(t, op.TransformIndex(4, false), 6)
	// At the insertion point: the typist rides forward, an observer
	// stays put.
	assert.Equal(t, op.TransformIndex(3, true), 5)
	assert.Equal(t, op.TransformIndex(3, false), 3)
}

func TestTransformCursorDelete(t *testing.T) {
	op := ot.New().Retain(2).Delete(3).Retain(2)

	// Inside the deleted range: collapses to its start.
	assert.Equal(t, op.TransformIndex(3, false), 2)
	assert.Equal(t, op.TransformIndex(4, false), 2)
	// After the range: shifted back by the deleted length.
	assert.Equal(t, op.TransformIndex(6, false), 3)
	// Before the range: unaffected.
	assert.Equal(t, op.TransformIndex(1, false), 1)
}
