package rendered

import (
	"encoding/json"
	"strconv"
)

// TreeKind discriminates the two node shapes a Tree can take.
type TreeKind uint8

const (
	TreeItems TreeKind = iota // Interleaved statics and individual dynamics
	TreeList                  // Shared statics applied to each keyed row
)

// String returns the string representation of the TreeKind.
func (k TreeKind) String() string {
	switch k {
	case TreeItems:
		return "Items"
	case TreeList:
		return "List"
	default:
		return "Unknown"
	}
}

// DynKind discriminates dynamic slot variants.
type DynKind uint8

const (
	DynText   DynKind = iota // Escaped text content
	DynAttr                  // Attribute value
	DynNested                // Embedded subtree
	DynCond                  // Toggling branch
	DynList                  // Keyed row collection
)

// String returns the string representation of the DynKind.
func (k DynKind) String() string {
	switch k {
	case DynText:
		return "Text"
	case DynAttr:
		return "Attr"
	case DynNested:
		return "Nested"
	case DynCond:
		return "Cond"
	case DynList:
		return "List"
	default:
		return "Unknown"
	}
}

// Dynamic is one dynamic slot in a render tree. Which fields are
// meaningful depends on Kind:
//
//   - DynText, DynAttr: Value (Name carries the attribute name for
//     DynAttr, for diagnostics only)
//   - DynNested, DynList: Tree
//   - DynCond: Active, and Tree when Active
//
// Subtrees built inside list rows share their statics through the
// owning list's template table: such a Tree has nil Statics and
// Template holds the table index.
type Dynamic struct {
	Kind     DynKind
	Value    string
	Name     string
	Active   bool
	Template int
	Tree     *Tree
}

// Row is one keyed entry of a list node. Keys are stable opaque
// identities assigned when the logical item is created and are never
// reused for a different item within the same list's lifetime; key
// stability, not value equality, drives list diffing.
type Row struct {
	Key      string
	Dynamics []Dynamic
}

// Tree is one rendering of a view: static literal fragments
// interleaved with dynamic value slots.
//
// For TreeItems nodes, Statics and Dynamics interleave as
// statics[0] dynamics[0] statics[1] ... dynamics[n-1] statics[n];
// whenever dynamics exist, len(Statics) == len(Dynamics)+1.
//
// For TreeList nodes, Statics is shared by every row and interleaves
// with each row's Dynamics the same way. Templates deduplicates the
// statics of subtrees nested inside rows; those subtrees carry nil
// Statics and reference the table through their slot's Template index.
// Only the outermost list node of a tree carries a template table.
//
// Two trees produced by successive renders of the same view must have
// identical static-fragment sequences and slot count/ordering. Only
// slot values and the active branch of conditional and list slots may
// differ; anything else is a shape mismatch, which Diff reports as a
// contract error.
type Tree struct {
	Kind      TreeKind
	Statics   []string
	Dynamics  []Dynamic  // TreeItems
	Rows      []Row      // TreeList
	Templates [][]string // TreeList, outermost list only
}

// String renders the tree to HTML.
func (t *Tree) String() string {
	return t.HTML()
}

// MarshalJSON encodes the tree in the client format: an object keyed
// by slot index with "s" holding the statics, "d" and "k" holding list
// rows and row keys, and "p" holding the template table. Inactive
// conditionals encode as the empty string; template-referencing
// subtrees encode "s" as the template index.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.clientValue(-1))
}

// clientValue builds the JSON-shaped value for the tree. templateRef
// is the index into the owning list's template table, or -1 when the
// tree carries its statics inline.
func (t *Tree) clientValue(templateRef int) any {
	m := make(map[string]any, len(t.Dynamics)+2)
	if templateRef >= 0 {
		m["s"] = templateRef
	} else if t.Statics != nil {
		m["s"] = t.Statics
	}
	switch t.Kind {
	case TreeList:
		rows := make([]any, len(t.Rows))
		keys := make([]string, len(t.Rows))
		for i, row := range t.Rows {
			dyns := make([]any, len(row.Dynamics))
			for j, d := range row.Dynamics {
				dyns[j] = d.clientValue()
			}
			rows[i] = dyns
			keys[i] = row.Key
		}
		m["d"] = rows
		m["k"] = keys
		if len(t.Templates) > 0 {
			m["p"] = t.Templates
		}
	default:
		for i, d := range t.Dynamics {
			m[strconv.Itoa(i)] = d.clientValue()
		}
	}
	return m
}

// clientValue builds the JSON-shaped value for one dynamic slot.
func (d Dynamic) clientValue() any {
	switch d.Kind {
	case DynText, DynAttr:
		return d.Value
	case DynNested, DynList:
		return d.Tree.clientValue(d.templateRef())
	case DynCond:
		if !d.Active || d.Tree == nil {
			return ""
		}
		return d.Tree.clientValue(d.templateRef())
	default:
		return ""
	}
}

// templateRef returns the template table index the slot's subtree
// references, or -1 when the subtree carries its statics inline.
func (d Dynamic) templateRef() int {
	if d.Tree != nil && d.Tree.Statics == nil {
		return d.Template
	}
	return -1
}

