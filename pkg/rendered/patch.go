package rendered

import "encoding/json"

// Patch is a minimal update to a previously shipped render tree,
// keyed by slot index. Values are the new slot content: a string for
// text and attribute slots, a nested Patch for subtrees changed in
// place, a full client-format object for subtrees appearing fresh,
// and for list slots an object whose "d" member holds row operations
// (or an empty array when the list emptied).
//
// Slots that did not change between renders never appear in a Patch.
type Patch map[string]any

// Empty reports whether the patch carries no changes.
func (p Patch) Empty() bool {
	return len(p) == 0
}

// List row operations. Within one patch the operations apply in
// order: deletions first, then moves, then insertions, then in-place
// row updates.
const (
	ListOpIns = "ins" // insert a new row; At is the index in the final row order
	ListOpDel = "del" // remove the row with Key
	ListOpMov = "mov" // reposition an existing row; To is the index before insertions apply
	ListOpUpd = "upd" // patch a surviving row's slots in place
)

// ListOp is one keyed row operation of a list patch.
type ListOp struct {
	Op    string
	Key   string
	At    int
	To    int
	Row   []any
	Slots Patch
}

// MarshalJSON encodes only the fields meaningful for the operation.
func (o ListOp) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": o.Op, "key": o.Key}
	switch o.Op {
	case ListOpIns:
		m["at"] = o.At
		m["row"] = o.Row
	case ListOpMov:
		m["to"] = o.To
	case ListOpUpd:
		m["slots"] = o.Slots
	}
	return json.Marshal(m)
}
