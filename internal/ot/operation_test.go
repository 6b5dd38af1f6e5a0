package ot_test

import (
	"encoding/json"
	"errors"
	"testing"

	"collab-core/internal/ot"

	"github.com/go-playground/assert/v2"
)

func TestApply(t *testing.T) {
	op := ot.New().Retain(5).Insert(" world")
	out, err := op.Apply("hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, out, "hello world")

	op = ot.New().Delete(6).Retain(5)
	out, err = op.Apply("hello world")
	assert.Equal(t, err, nil)
	assert.Equal(t, out, "world")
}

func TestApplyEmptyDocument(t *testing.T) {
	op := ot.New().Insert("fresh")
	out, err := op.Apply("")
	assert.Equal(t, err, nil)
	assert.Equal(t, out, "fresh")

	noop := ot.New()
	out, err = noop.Apply("")
	assert.Equal(t, err, nil)
	assert.Equal(t, out, "")
}

func TestApplyStructureMismatch(t *testing.T) {
	// Consumes 3 runes, document has 5.
	op := ot.New().Retain(3)
	_, err := op.Apply("hello")
	assert.Equal(t, errors.Is(err, ot.ErrStructureMismatch), true)

	// Consumes 7, document has 5.
	op = ot.New().Retain(4).Delete(3)
	_, err = op.Apply("hello")
	assert.Equal(t, errors.Is(err, ot.ErrStructureMismatch), true)
}

func TestApplyMultibyte(t *testing.T) {
	// Lengths count runes, so multi-byte characters are never split.
	op := ot.New().Retain(2).Insert("ø").Delete(1)
	out, err := op.Apply("åbc")
	assert.Equal(t, err, nil)
	assert.Equal(t, out, "åbø")
}

func TestComposeEqualsSequentialApply(t *testing.T) {
	doc := "the quick brown fox"
	op1 := ot.New().Retain(4).Delete(6).Insert("slow ").Retain(9)
	op2 := ot.New().Retain(9).Delete(6).Retain(3).Insert("!")

	mid, err := op1.Apply(doc)
	assert.Equal(t, err, nil)
	sequential, err := op2.Apply(mid)
	assert.Equal(t, err, nil)

	composed, err := ot.Compose(op1, op2)
	assert.Equal(t, err, nil)
	direct, err := composed.Apply(doc)
	assert.Equal(t, err, nil)

	assert.Equal(t, direct, sequential)
}

func TestComposeInsertThenDelete(t *testing.T) {
	// Text inserted by op1 and deleted by op2 vanishes entirely.
	op1 := ot.New().Insert("abc").Retain(3)
	op2 := ot.New().Delete(3).Retain(3)
	composed, err := ot.Compose(op1, op2)
	assert.Equal(t, err, nil)
	assert.Equal(t, composed.IsNoop(), true)
}

func TestComposeLengthMismatch(t *testing.T) {
	op1 := ot.New().Retain(3)
	op2 := ot.New().Retain(5)
	_, err := ot.Compose(op1, op2)
	assert.Equal(t, errors.Is(err, ot.ErrStructureMismatch), true)
}

func TestBuilderMergesRuns(t *testing.T) {
	op := ot.New().Retain(2).Retain(3).Insert("a").Insert("b").Delete(1).Delete(2)
	assert.Equal(t, len(op.Components()), 3)
	assert.Equal(t, op.Components()[0].Retain, 5)
	assert.Equal(t, op.Components()[1].Insert, "ab")
	assert.Equal(t, op.Components()[2].Delete, 3)
}

func TestBuilderCanonicalInsertBeforeDelete(t *testing.T) {
	// delete-then-insert normalizes to insert-then-delete, so
	// equivalent edits encode identically.
	a := ot.New().Retain(1).Delete(2).Insert("xy").Retain(1)
	b := ot.New().Retain(1).Insert("xy").Delete(2).Retain(1)
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	assert.Equal(t, string(aj), string(bj))
}

func TestWireCodecRoundTrip(t *testing.T) {
	op := ot.New().Retain(3).Insert("héllo").Delete(2).Retain(1)
	data, err := json.Marshal(op)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `[3,"héllo",-2,1]`)

	var decoded ot.Operation
	err = json.Unmarshal(data, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.BaseLen(), op.BaseLen())
	assert.Equal(t, decoded.TargetLen(), op.TargetLen())

	out1, err := op.Apply("abcdef")
	assert.Equal(t, err, nil)
	out2, err := decoded.Apply("abcdef")
	assert.Equal(t, err, nil)
	assert.Equal(t, out1, out2)
}
