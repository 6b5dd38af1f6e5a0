package ot

import "fmt"

/*
LEARNING: THE OT DIAMOND

Transform derives the bottom two sides of the OT diamond: given two
operations a and b computed independently against the same document,
it returns (a', b') such that

    apply(apply(doc, a), b') == apply(apply(doc, b), a')

The walk consumes both component lists in lock-step, taking the
smaller of the two current run lengths at each step. Each pairing of
component kinds has one fixed rule; the full 3x3 table is the entire
correctness surface of the algorithm, which is why the tests hammer it
with randomly generated operation pairs.

Tie-break: when both operations insert at the same position, a's
insert is placed first. Callers order the pair so that the operation
from the lower session id is passed as a - every replica compares the
same two ids, so every replica picks the same order.
*/

// Transform reconciles two concurrent operations over the same base
// document. a's inserts win position ties against b's.
func Transform(a, b *Operation) (aPrime, bPrime *Operation, err error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("transform: operations consume %d and %d runes: %w",
			a.baseLen, b.baseLen, ErrStructureMismatch)
	}

	aPrime, bPrime = New(), New()
	ca, cb := cloneComps(a.comps), cloneComps(b.comps)
	ia, ib := 0, 0
	for {
		// Inserts first: they consume no base text, and a has priority
		// on position ties.
		if ia < len(ca) && ca[ia].Insert != "" {
			aPrime.Insert(ca[ia].Insert)
			bPrime.Retain(runeLen(ca[ia].Insert))
			ia++
			continue
		}
		if ib < len(cb) && cb[ib].Insert != "" {
			aPrime.Retain(runeLen(cb[ib].Insert))
			bPrime.Insert(cb[ib].Insert)
			ib++
			continue
		}
		if ia == len(ca) && ib == len(cb) {
			break
		}
		if ia == len(ca) || ib == len(cb) {
			return nil, nil, fmt.Errorf("transform: ran out of components: %w", ErrStructureMismatch)
		}

		switch {
		case ca[ia].Retain > 0 && cb[ib].Retain > 0:
			n := min(ca[ia].Retain, cb[ib].Retain)
			aPrime.Retain(n)
			bPrime.Retain(n)
			ca[ia].Retain -= n
			cb[ib].Retain -= n
		case ca[ia].Delete > 0 && cb[ib].Delete > 0:
			// Both sides deleted the same span: it is already gone on
			// either path, so the overlap becomes a no-op for both.
			n := min(ca[ia].Delete, cb[ib].Delete)
			ca[ia].Delete -= n
			cb[ib].Delete -= n
		case ca[ia].Delete > 0 && cb[ib].Retain > 0:
			n := min(ca[ia].Delete, cb[ib].Retain)
			aPrime.Delete(n)
			ca[ia].Delete -= n
			cb[ib].Retain -= n
		case ca[ia].Retain > 0 && cb[ib].Delete > 0:
			n := min(ca[ia].Retain, cb[ib].Delete)
			bPrime.Delete(n)
			ca[ia].Retain -= n
			cb[ib].Delete -= n
		}
		if ca[ia].Retain == 0 && ca[ia].Insert == "" && ca[ia].Delete == 0 {
			ia++
		}
		if cb[ib].Retain == 0 && cb[ib].Insert == "" && cb[ib].Delete == 0 {
			ib++
		}
	}
	return aPrime, bPrime, nil
}

// Cursor is a selection in a document. Anchor == Head for a plain
// caret; otherwise the pair spans the selected range.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// TransformIndex maps a document offset through an applied operation.
// Offsets before an insert are unaffected; offsets at or after it
// shift forward by the inserted length, where own controls the tie at
// the insertion point (the typist's cursor rides the insert forward,
// an observer's cursor stays put). Offsets inside a deleted range
// collapse to the start of that range.
func (op *Operation) TransformIndex(index int, own bool) int {
	newIndex := index
	pos := 0 // position in the pre-operation document
	for _, c := range op.comps {
		switch {
		case c.Retain > 0:
			pos += c.Retain
		case c.Insert != "":
			if pos < index || (own && pos == index) {
				newIndex += runeLen(c.Insert)
			}
		case c.Delete > 0:
			if pos < index {
				newIndex -= min(c.Delete, index-pos)
			}
			pos += c.Delete
		}
		if pos > index {
			break
		}
	}
	return newIndex
}

// TransformCursor maps both ends of a cursor through an operation.
func (op *Operation) TransformCursor(c Cursor, own bool) Cursor {
	return Cursor{
		Anchor: op.TransformIndex(c.Anchor, own),
		Head:   op.TransformIndex(c.Head, own),
	}
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
