package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

/*
LEARNING: OPERATIONAL TRANSFORMATION - THE OPERATION MODEL

An Operation describes one edit as a run-length sequence of components:
  Retain(n)  - skip n characters unchanged
  Insert(s)  - add s at the current position
  Delete(n)  - remove n characters at the current position

Walking the components from left to right consumes the *entire* old
document: the retain+delete lengths must add up to exactly the old
length. That invariant is what makes compose and transform total
functions instead of "best effort" position fixups.

All lengths count runes, not bytes, so a multi-byte character can never
be split by an edit.
*/

// ErrStructureMismatch is returned when an operation's consumed length
// disagrees with the length of the document (or operation) it is being
// applied to. This is always a caller bug, never a concurrency artifact.
var ErrStructureMismatch = errors.New("operation length does not match document length")

// Component is one retain/insert/delete run. Exactly one field is set.
type Component struct {
	Retain int
	Insert string
	Delete int
}

// Operation is an immutable edit. Build one with the fluent
// Retain/Insert/Delete methods, then treat it as read-only: every
// function in this package returns new operations instead of mutating.
type Operation struct {
	comps []Component

	// baseLen is the rune length of the document this operation applies
	// to; targetLen is the rune length of the result.
	baseLen   int
	targetLen int
}

// New returns an empty operation (applies to the empty document).
func New() *Operation {
	return &Operation{}
}

// BaseLen returns the rune length of the document the operation expects.
func (op *Operation) BaseLen() int { return op.baseLen }

// TargetLen returns the rune length of the document the operation produces.
func (op *Operation) TargetLen() int { return op.targetLen }

// Components returns the component runs. Callers must not modify the
// returned slice.
func (op *Operation) Components() []Component { return op.comps }

// IsNoop reports whether applying the operation leaves any document
// unchanged (only retains, or nothing at all).
func (op *Operation) IsNoop() bool {
	for _, c := range op.comps {
		if c.Insert != "" || c.Delete > 0 {
			return false
		}
	}
	return true
}

// Retain appends a retain run. Adjacent retains are merged.
func (op *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	op.targetLen += n
	if last := len(op.comps) - 1; last >= 0 && op.comps[last].Retain > 0 {
		op.comps[last].Retain += n
		return op
	}
	op.comps = append(op.comps, Component{Retain: n})
	return op
}

// Insert appends an insert run. Adjacent inserts are merged. An insert
// directly after a delete is reordered before it so that equivalent
// operations always have identical component sequences.
func (op *Operation) Insert(s string) *Operation {
	if s == "" {
		return op
	}
	op.targetLen += utf8.RuneCountInString(s)
	last := len(op.comps) - 1
	if last >= 0 && op.comps[last].Insert != "" {
		op.comps[last].Insert += s
		return op
	}
	if last >= 0 && op.comps[last].Delete > 0 {
		// Canonical order is insert-before-delete.
		if last >= 1 && op.comps[last-1].Insert != "" {
			op.comps[last-1].Insert += s
			return op
		}
		op.comps = append(op.comps, Component{})
		op.comps[last+1] = op.comps[last]
		op.comps[last] = Component{Insert: s}
		return op
	}
	op.comps = append(op.comps, Component{Insert: s})
	return op
}

// Delete appends a delete run. Adjacent deletes are merged.
func (op *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	if last := len(op.comps) - 1; last >= 0 && op.comps[last].Delete > 0 {
		op.comps[last].Delete += n
		return op
	}
	op.comps = append(op.comps, Component{Delete: n})
	return op
}

// Apply runs the operation against doc and returns the edited text.
// Fails with ErrStructureMismatch if the operation does not consume
// exactly the whole document.
func (op *Operation) Apply(doc string) (string, error) {
	runes := []rune(doc)
	if len(runes) != op.baseLen {
		return "", fmt.Errorf("apply: doc is %d runes, operation consumes %d: %w",
			len(runes), op.baseLen, ErrStructureMismatch)
	}

	var b strings.Builder
	pos := 0
	for _, c := range op.comps {
		switch {
		case c.Retain > 0:
			b.WriteString(string(runes[pos : pos+c.Retain]))
			pos += c.Retain
		case c.Insert != "":
			b.WriteString(c.Insert)
		case c.Delete > 0:
			pos += c.Delete
		}
	}
	return b.String(), nil
}

// Compose merges two sequential operations into one, such that
// applying the result equals applying a then b. b must be based on the
// document a produces.
func Compose(a, b *Operation) (*Operation, error) {
	if a.targetLen != b.baseLen {
		return nil, fmt.Errorf("compose: first op produces %d runes, second consumes %d: %w",
			a.targetLen, b.baseLen, ErrStructureMismatch)
	}

	out := New()
	ca, cb := cloneComps(a.comps), cloneComps(b.comps)
	ia, ib := 0, 0
	for {
		// Deletes from a and inserts from b pass through untouched:
		// a's delete happened before b ever saw the text, and b's
		// insert is new text a knows nothing about.
		if ia < len(ca) && ca[ia].Delete > 0 {
			out.Delete(ca[ia].Delete)
			ia++
			continue
		}
		if ib < len(cb) && cb[ib].Insert != "" {
			out.Insert(cb[ib].Insert)
			ib++
			continue
		}
		if ia == len(ca) && ib == len(cb) {
			break
		}
		if ia == len(ca) || ib == len(cb) {
			return nil, fmt.Errorf("compose: ran out of components: %w", ErrStructureMismatch)
		}

		switch {
		case ca[ia].Retain > 0 && cb[ib].Retain > 0:
			n := min(ca[ia].Retain, cb[ib].Retain)
			out.Retain(n)
			ca[ia].Retain -= n
			cb[ib].Retain -= n
		case ca[ia].Retain > 0 && cb[ib].Delete > 0:
			n := min(ca[ia].Retain, cb[ib].Delete)
			out.Delete(n)
			ca[ia].Retain -= n
			cb[ib].Delete -= n
		case ca[ia].Insert != "" && cb[ib].Retain > 0:
			text := []rune(ca[ia].Insert)
			n := min(len(text), cb[ib].Retain)
			out.Insert(string(text[:n]))
			ca[ia].Insert = string(text[n:])
			cb[ib].Retain -= n
		case ca[ia].Insert != "" && cb[ib].Delete > 0:
			// b deletes text a just inserted: both vanish.
			text := []rune(ca[ia].Insert)
			n := min(len(text), cb[ib].Delete)
			ca[ia].Insert = string(text[n:])
			cb[ib].Delete -= n
		}
		if ca[ia].Retain == 0 && ca[ia].Insert == "" && ca[ia].Delete == 0 {
			ia++
		}
		if cb[ib].Retain == 0 && cb[ib].Insert == "" && cb[ib].Delete == 0 {
			ib++
		}
	}
	return out, nil
}

func cloneComps(comps []Component) []Component {
	out := make([]Component, len(comps))
	copy(out, comps)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

/*
Wire encoding: an operation is a JSON array mixing the three component
kinds, e.g. [3,"ab",-2] means retain 3, insert "ab", delete 2. Positive
numbers retain, negative numbers delete, strings insert. Compact and
human-readable in logs, which matters when debugging a reported
divergence from an operation payload.
*/

// MarshalJSON encodes the operation in the compact array form.
func (op *Operation) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, len(op.comps))
	for _, c := range op.comps {
		switch {
		case c.Retain > 0:
			arr = append(arr, c.Retain)
		case c.Insert != "":
			arr = append(arr, c.Insert)
		case c.Delete > 0:
			arr = append(arr, -c.Delete)
		}
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the compact array form.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*op = Operation{}
	for _, v := range arr {
		switch t := v.(type) {
		case float64:
			n := int(t)
			if n > 0 {
				op.Retain(n)
			} else if n < 0 {
				op.Delete(-n)
			}
		case string:
			op.Insert(t)
		default:
			return fmt.Errorf("decode operation: unexpected component %v", v)
		}
	}
	return nil
}

// String renders the operation for logs.
func (op *Operation) String() string {
	parts := make([]string, 0, len(op.comps))
	for _, c := range op.comps {
		switch {
		case c.Retain > 0:
			parts = append(parts, fmt.Sprintf("retain(%d)", c.Retain))
		case c.Insert != "":
			parts = append(parts, fmt.Sprintf("insert(%q)", c.Insert))
		case c.Delete > 0:
			parts = append(parts, fmt.Sprintf("delete(%d)", c.Delete))
		}
	}
	return strings.Join(parts, " ")
}
