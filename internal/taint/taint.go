// File: internal/taint/taint.go

// Package taint defines the provenance lattice used by the dynamic tracking engine,
// the labels that describe individual source and sink occurrences, and the
// compaction of recorded observations into a serialisable snapshot.
package taint

// Kind discriminates the three shapes a Taint can take.
type Kind uint8

const (
	// KindBottom carries no information.
	KindBottom Kind = iota
	// KindBase originates at exactly one provenance point.
	KindBase
	// KindJoin originates at either of its operands.
	KindJoin
)

// Taint is an immutable node of the provenance lattice. Values are shared freely
// between frames, shadow records and flows; nothing mutates a node after construction.
// A nil *Taint is equivalent to Bottom everywhere in this package.
type Taint struct {
	kind  Kind
	label *Label
	left  *Taint
	right *Taint
}

// Bottom is the unique identity of Join.
var Bottom = &Taint{kind: KindBottom}

// Base returns a taint originating at the given label.
func Base(label *Label) *Taint {
	if label == nil {
		return Bottom
	}
	return &Taint{kind: KindBase, label: label}
}

// Join returns the least upper bound of a and b. It short-circuits when either
// side is Bottom so trees only grow when both operands carry information.
func Join(a, b *Taint) *Taint {
	if a.IsBottom() {
		if b == nil {
			return Bottom
		}
		return b
	}
	if b.IsBottom() || a == b {
		return a
	}
	return &Taint{kind: KindJoin, left: a, right: b}
}

// JoinAll folds Join over ts from left to right.
func JoinAll(ts ...*Taint) *Taint {
	acc := Bottom
	for _, t := range ts {
		acc = Join(acc, t)
	}
	return acc
}

// Kind reports the shape of t.
func (t *Taint) Kind() Kind {
	if t == nil {
		return KindBottom
	}
	return t.kind
}

func (t *Taint) IsBottom() bool { return t.Kind() == KindBottom }
func (t *Taint) IsBase() bool   { return t.Kind() == KindBase }
func (t *Taint) IsJoin() bool   { return t.Kind() == KindJoin }

// Label returns the label of a Base taint, or nil.
func (t *Taint) Label() *Label {
	if !t.IsBase() {
		return nil
	}
	return t.label
}

// Left returns the left operand of a Join taint, or nil.
func (t *Taint) Left() *Taint {
	if !t.IsJoin() {
		return nil
	}
	return t.left
}

// Right returns the right operand of a Join taint, or nil.
func (t *Taint) Right() *Taint {
	if !t.IsJoin() {
		return nil
	}
	return t.right
}

// Labels returns the distinct base labels reachable from t, in discovery order.
// Join trees share subtrees heavily, so the walk is iterative and remembers every
// visited node; labels are deduplicated by identity (their id), not by value.
func Labels(t *Taint) []*Label {
	if t.IsBottom() {
		return nil
	}

	var labels []*Label
	seenLabels := make(map[uint64]struct{})
	visited := make(map[*Taint]struct{})
	queue := []*Taint{t}

	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if current == nil {
			continue
		}
		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}

		switch current.kind {
		case KindBase:
			if _, ok := seenLabels[current.label.ID]; !ok {
				seenLabels[current.label.ID] = struct{}{}
				labels = append(labels, current.label)
			}
		case KindJoin:
			// Right is pushed first so the left operand is visited first.
			queue = append(queue, current.right, current.left)
		}
	}
	return labels
}

// LabelIDs is a convenience wrapper returning the ids of Labels(t).
func LabelIDs(t *Taint) []uint64 {
	labels := Labels(t)
	ids := make([]uint64, len(labels))
	for i, l := range labels {
		ids[i] = l.ID
	}
	return ids
}

// Covers reports whether every base label of sub is also reachable from t,
// i.e. whether t is at least sub in the lattice order.
func Covers(t, sub *Taint) bool {
	have := make(map[uint64]struct{})
	for _, l := range Labels(t) {
		have[l.ID] = struct{}{}
	}
	for _, l := range Labels(sub) {
		if _, ok := have[l.ID]; !ok {
			return false
		}
	}
	return true
}
