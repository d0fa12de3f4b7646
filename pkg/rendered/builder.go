package rendered

import (
	"html"
	"slices"
	"strconv"
)

// Builder assembles a Tree one fragment at a time. Static fragments
// merge into their predecessor when no dynamic intervenes, so a given
// view always produces the same static-fragment sequence regardless of
// the values rendered into it. Dynamic pushes pad the statics with
// empty strings as needed to keep the interleaving invariant.
//
// A Builder is single use: call the fragment methods, then Build
// exactly once. Misuse panics; the builder is driven by view render
// code, so a malformed call sequence is a programming error, not a
// runtime condition.
type Builder struct {
	stack []*frame
	built bool
}

type frameKind uint8

const (
	frameItems frameKind = iota
	frameList
	frameRow
)

type frame struct {
	kind      frameKind
	statics   []string
	dynamics  []Dynamic
	rows      []Row
	keys      map[string]struct{}
	templates [][]string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{stack: []*frame{{kind: frameItems}}}
}

func (b *Builder) top() *frame {
	return b.stack[len(b.stack)-1]
}

// outermostList finds the outermost open list frame. All templated
// statics beneath a list's rows deduplicate into that one table.
func (b *Builder) outermostList() *frame {
	for _, f := range b.stack {
		if f.kind == frameList {
			return f
		}
	}
	return nil
}

func (b *Builder) guard(op string) {
	if b.built {
		panic("rendered: " + op + " called after Build")
	}
	if b.top().kind == frameList {
		panic("rendered: " + op + " directly inside List; content belongs in a Row")
	}
}

// Static appends a literal markup fragment. The fragment is emitted
// verbatim; callers own its well-formedness.
func (b *Builder) Static(s string) {
	b.guard("Static")
	f := b.top()
	if f.kind == frameRow {
		list := b.stack[len(b.stack)-2]
		if len(list.rows) == 0 {
			pushStatic(&list.statics, len(f.dynamics), s)
			return
		}
		// Later rows record their statics locally; Row checks them
		// against the first row's when the frame closes.
		pushStatic(&f.statics, len(f.dynamics), s)
		return
	}
	pushStatic(&f.statics, len(f.dynamics), s)
}

// pushStatic extends the trailing static when one already follows the
// last dynamic, otherwise starts a new fragment.
func pushStatic(statics *[]string, dynamics int, s string) {
	if len(*statics) > dynamics {
		(*statics)[len(*statics)-1] += s
		return
	}
	*statics = append(*statics, s)
}

func (b *Builder) pushDynamic(d Dynamic) {
	f := b.top()
	if f.kind == frameRow {
		list := b.stack[len(b.stack)-2]
		if len(list.rows) == 0 {
			if len(list.statics) == len(f.dynamics) {
				list.statics = append(list.statics, "")
			}
		} else if len(f.statics) == len(f.dynamics) {
			f.statics = append(f.statics, "")
		}
		f.dynamics = append(f.dynamics, d)
		return
	}
	if len(f.statics) == len(f.dynamics) {
		f.statics = append(f.statics, "")
	}
	f.dynamics = append(f.dynamics, d)
}

// Text appends a dynamic text slot. The value is HTML-escaped.
func (b *Builder) Text(s string) {
	b.guard("Text")
	b.pushDynamic(Dynamic{Kind: DynText, Value: html.EscapeString(s)})
}

// Attr appends a dynamic attribute-value slot. The value is
// HTML-escaped; name is kept for diagnostics and does not reach the
// wire, the surrounding quoting lives in the static fragments.
func (b *Builder) Attr(name, value string) {
	b.guard("Attr")
	b.pushDynamic(Dynamic{Kind: DynAttr, Name: name, Value: html.EscapeString(value)})
}

// Nested appends an embedded subtree built by fn.
func (b *Builder) Nested(fn func(*Builder)) {
	b.guard("Nested")
	tree, tmpl := b.subtree(fn)
	b.pushDynamic(Dynamic{Kind: DynNested, Template: tmpl, Tree: tree})
}

// Cond appends a toggling branch. When active is false fn does not
// run and the slot renders as nothing; the slot still occupies its
// position so the tree shape is identical either way.
func (b *Builder) Cond(active bool, fn func(*Builder)) {
	b.guard("Cond")
	if !active {
		b.pushDynamic(Dynamic{Kind: DynCond})
		return
	}
	tree, tmpl := b.subtree(fn)
	b.pushDynamic(Dynamic{Kind: DynCond, Active: true, Template: tmpl, Tree: tree})
}

func (b *Builder) subtree(fn func(*Builder)) (*Tree, int) {
	f := &frame{kind: frameItems}
	b.stack = append(b.stack, f)
	fn(b)
	b.stack = b.stack[:len(b.stack)-1]
	if len(f.statics) == len(f.dynamics) {
		f.statics = append(f.statics, "")
	}
	tree := &Tree{Kind: TreeItems, Statics: f.statics, Dynamics: f.dynamics}
	if outer := b.outermostList(); outer != nil {
		t := dedupTemplate(outer, tree.Statics)
		tree.Statics = nil
		return tree, t
	}
	return tree, 0
}

func dedupTemplate(list *frame, statics []string) int {
	for i, t := range list.templates {
		if slices.Equal(t, statics) {
			return i
		}
	}
	list.templates = append(list.templates, statics)
	return len(list.templates) - 1
}

// List appends a keyed row collection built through fn. The shared
// statics are recorded while the first row renders; later rows only
// contribute dynamics. A list that produces no rows collapses to an
// empty text slot.
func (b *Builder) List(fn func(*ListBuilder)) {
	b.guard("List")
	lf := &frame{kind: frameList}
	b.stack = append(b.stack, lf)
	lb := &ListBuilder{b: b, f: lf}
	fn(lb)
	lb.f = nil
	b.stack = b.stack[:len(b.stack)-1]
	if len(lf.rows) == 0 {
		b.pushDynamic(Dynamic{Kind: DynText})
		return
	}
	if len(lf.statics) == len(lf.rows[0].Dynamics) {
		lf.statics = append(lf.statics, "")
	}
	tree := &Tree{Kind: TreeList, Statics: lf.statics, Rows: lf.rows}
	tmpl := 0
	if outer := b.outermostList(); outer != nil {
		tmpl = dedupTemplate(outer, tree.Statics)
		tree.Statics = nil
	} else {
		tree.Templates = lf.templates
	}
	b.pushDynamic(Dynamic{Kind: DynList, Template: tmpl, Tree: tree})
}

// Build finalizes and returns the tree. The Builder cannot be used
// afterwards.
func (b *Builder) Build() *Tree {
	if b.built {
		panic("rendered: Build called twice")
	}
	b.built = true
	f := b.stack[0]
	if len(f.statics) == len(f.dynamics) {
		f.statics = append(f.statics, "")
	}
	return &Tree{Kind: TreeItems, Statics: f.statics, Dynamics: f.dynamics}
}

// ListBuilder adds keyed rows to an open List. It is only valid inside
// the closure List hands it to.
type ListBuilder struct {
	b *Builder
	f *frame
}

// Row renders one list row under a stable key. Keys identify logical
// items across renders: reusing a key within one render, or giving a
// row a different slot count than its siblings, panics.
func (l *ListBuilder) Row(key string, fn func(*Builder)) {
	if l.f == nil {
		panic("rendered: Row called after its List closed")
	}
	b := l.b
	if b.top() != l.f {
		panic("rendered: Row called outside its List")
	}
	if l.f.keys == nil {
		l.f.keys = make(map[string]struct{})
	}
	if _, dup := l.f.keys[key]; dup {
		panic("rendered: duplicate list key " + strconv.Quote(key))
	}
	l.f.keys[key] = struct{}{}
	rf := &frame{kind: frameRow}
	b.stack = append(b.stack, rf)
	fn(b)
	b.stack = b.stack[:len(b.stack)-1]
	if len(l.f.rows) > 0 {
		if len(rf.dynamics) != len(l.f.rows[0].Dynamics) {
			panic("rendered: list rows must share one shape; row " + strconv.Quote(key) + " differs")
		}
		if !slices.Equal(padStatics(rf.statics, len(rf.dynamics)), padStatics(l.f.statics, len(rf.dynamics))) {
			panic("rendered: list rows must share one shape; row " + strconv.Quote(key) + " statics differ")
		}
	}
	l.f.rows = append(l.f.rows, Row{Key: key, Dynamics: rf.dynamics})
}

// padStatics completes a statics sequence to dynamics+1 fragments, the
// form rows are compared in.
func padStatics(statics []string, dynamics int) []string {
	if len(statics) == dynamics+1 {
		return statics
	}
	padded := slices.Clone(statics)
	for len(padded) < dynamics+1 {
		padded = append(padded, "")
	}
	return padded
}
