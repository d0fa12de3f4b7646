package rendered

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// ErrShapeMismatch reports that two trees handed to Diff were not
// successive renders of the same view. Statics and slot layout are
// fixed for a view's lifetime; a mismatch is a contract violation by
// the caller, never something to paper over with a full resend.
var ErrShapeMismatch = errors.New("rendered: tree shape mismatch")

// ShapeError carries the location of a shape mismatch. It unwraps to
// ErrShapeMismatch.
type ShapeError struct {
	Path   string // dotted slot path, with [key] segments inside lists; empty for the root
	Reason string
}

func (e *ShapeError) Error() string {
	at := e.Path
	if at == "" {
		at = "root"
	}
	return fmt.Sprintf("rendered: tree shape mismatch at %s: %s", at, e.Reason)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// Diff compares two renders of the same view and returns the minimal
// patch that transforms old into new, or nil when nothing changed.
//
// Text and attribute slots diff by value. Conditional slots that stay
// active diff recursively; a toggle ships the empty string or the full
// fresh subtree. List slots diff by row key: surviving rows patch in
// place, and structural changes become keyed insert, delete and move
// operations with unaffected rows left untouched. Statics appear in a
// patch only for subtrees the client has not seen; patches always
// inline them rather than referencing a template table.
func Diff(old, new *Tree) (Patch, error) {
	if old == nil || new == nil {
		return nil, &ShapeError{Reason: "nil tree"}
	}
	if old.Kind != new.Kind {
		return nil, &ShapeError{Reason: "node kind changed from " + old.Kind.String() + " to " + new.Kind.String()}
	}
	if !slices.Equal(old.Statics, new.Statics) {
		return nil, &ShapeError{Reason: "static fragments changed"}
	}
	if old.Kind == TreeList {
		ops, err := diffRows(old.Rows, new.Rows, "", old.Templates, new.Templates)
		if err != nil {
			return nil, err
		}
		if ops == nil {
			return nil, nil
		}
		return Patch{"d": ops}, nil
	}
	p, err := diffSlots(old.Dynamics, new.Dynamics, "", old.Templates, new.Templates)
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func diffSlots(old, new []Dynamic, path string, oldTmpl, newTmpl [][]string) (Patch, error) {
	if len(old) != len(new) {
		return nil, &ShapeError{Path: path, Reason: fmt.Sprintf("slot count changed from %d to %d", len(old), len(new))}
	}
	var p Patch
	for i := range old {
		v, changed, err := diffDynamic(old[i], new[i], childPath(path, i), oldTmpl, newTmpl)
		if err != nil {
			return nil, err
		}
		if changed {
			if p == nil {
				p = make(Patch)
			}
			p[strconv.Itoa(i)] = v
		}
	}
	return p, nil
}

func childPath(path string, i int) string {
	if path == "" {
		return strconv.Itoa(i)
	}
	return path + "." + strconv.Itoa(i)
}

// stringlike reports the wire string a slot renders to when it has no
// subtree: text and attribute values, and the empty string of an
// inactive conditional or a collapsed empty list.
func stringlike(d Dynamic) (string, bool) {
	switch d.Kind {
	case DynText, DynAttr:
		return d.Value, true
	case DynCond:
		if !d.Active || d.Tree == nil {
			return "", true
		}
	}
	return "", false
}

func diffDynamic(old, new Dynamic, path string, oldTmpl, newTmpl [][]string) (any, bool, error) {
	oldStr, oldIsStr := stringlike(old)
	newStr, newIsStr := stringlike(new)
	switch {
	case oldIsStr && newIsStr:
		if oldStr == newStr {
			return nil, false, nil
		}
		return newStr, true, nil
	case newIsStr:
		// A subtree gave way to a string. A list that emptied tells
		// the client to drop its rows; everything else replaces the
		// slot content outright.
		if old.Kind == DynList {
			return Patch{"d": []ListOp{}}, true, nil
		}
		return newStr, true, nil
	case oldIsStr:
		return resolvedSlot(new, newTmpl), true, nil
	}

	if old.Kind != new.Kind {
		return nil, false, &ShapeError{Path: path, Reason: "slot kind changed from " + old.Kind.String() + " to " + new.Kind.String()}
	}
	os := resolveStatics(old, oldTmpl)
	ns := resolveStatics(new, newTmpl)
	if !slices.Equal(os, ns) {
		return nil, false, &ShapeError{Path: path, Reason: "static fragments changed"}
	}

	if new.Kind == DynList {
		ot, nt := oldTmpl, newTmpl
		if old.Tree.Templates != nil {
			ot = old.Tree.Templates
		}
		if new.Tree.Templates != nil {
			nt = new.Tree.Templates
		}
		ops, err := diffRows(old.Tree.Rows, new.Tree.Rows, path, ot, nt)
		if err != nil {
			return nil, false, err
		}
		if ops == nil {
			return nil, false, nil
		}
		return Patch{"d": ops}, true, nil
	}

	sub, err := diffSlots(old.Tree.Dynamics, new.Tree.Dynamics, path, oldTmpl, newTmpl)
	if err != nil {
		return nil, false, err
	}
	if len(sub) == 0 {
		return nil, false, nil
	}
	return sub, true, nil
}

// resolveStatics returns a subtree slot's statics, looking through the
// owning list's template table when they are not carried inline.
func resolveStatics(d Dynamic, tmpl [][]string) []string {
	if d.Tree.Statics != nil {
		return d.Tree.Statics
	}
	if d.Template >= 0 && d.Template < len(tmpl) {
		return tmpl[d.Template]
	}
	return nil
}

// resolvedSlot builds the client value for a slot appearing fresh in a
// patch. Unlike the full-render encoding it inlines every statics
// sequence and never emits template references, since the client may
// not hold the table a reference would point into.
func resolvedSlot(d Dynamic, tmpl [][]string) any {
	switch d.Kind {
	case DynText, DynAttr:
		return d.Value
	case DynCond:
		if !d.Active || d.Tree == nil {
			return ""
		}
	}
	return resolvedTree(d.Tree, resolveStatics(d, tmpl), tmpl)
}

func resolvedTree(t *Tree, statics []string, tmpl [][]string) any {
	m := make(map[string]any, len(t.Dynamics)+2)
	if statics != nil {
		m["s"] = statics
	}
	switch t.Kind {
	case TreeList:
		inner := tmpl
		if t.Templates != nil {
			inner = t.Templates
		}
		rows := make([]any, len(t.Rows))
		keys := make([]string, len(t.Rows))
		for i, row := range t.Rows {
			rows[i] = resolvedRow(row, inner)
			keys[i] = row.Key
		}
		m["d"] = rows
		m["k"] = keys
	default:
		for i, d := range t.Dynamics {
			m[strconv.Itoa(i)] = resolvedSlot(d, tmpl)
		}
	}
	return m
}

func resolvedRow(r Row, tmpl [][]string) []any {
	dyns := make([]any, len(r.Dynamics))
	for i, d := range r.Dynamics {
		dyns[i] = resolvedSlot(d, tmpl)
	}
	return dyns
}

// diffRows produces the keyed operation sequence transforming the old
// row list into the new one: deletions in old order, then moves of
// surviving rows in ascending target order, then insertions at final
// positions, then in-place updates. Rows whose key sits in a longest
// common subsequence of the two key orders never move, which keeps
// the move count minimal. A nil result means the rows are unchanged.
func diffRows(old, new []Row, path string, oldTmpl, newTmpl [][]string) ([]ListOp, error) {
	oldIdx := make(map[string]int, len(old))
	for i, r := range old {
		oldIdx[r.Key] = i
	}
	newIdx := make(map[string]int, len(new))
	for i, r := range new {
		newIdx[r.Key] = i
	}

	var ops []ListOp

	oldKept := make([]string, 0, len(old))
	for _, r := range old {
		if _, ok := newIdx[r.Key]; !ok {
			ops = append(ops, ListOp{Op: ListOpDel, Key: r.Key})
			continue
		}
		oldKept = append(oldKept, r.Key)
	}
	newCommon := make([]string, 0, len(new))
	for _, r := range new {
		if _, ok := oldIdx[r.Key]; ok {
			newCommon = append(newCommon, r.Key)
		}
	}

	pinned := lcsMembers(oldKept, newCommon)
	for to, key := range newCommon {
		if !pinned[key] {
			ops = append(ops, ListOp{Op: ListOpMov, Key: key, To: to})
		}
	}

	for at, r := range new {
		if _, ok := oldIdx[r.Key]; !ok {
			ops = append(ops, ListOp{Op: ListOpIns, Key: r.Key, At: at, Row: resolvedRow(r, newTmpl)})
		}
	}

	for _, r := range new {
		oi, ok := oldIdx[r.Key]
		if !ok {
			continue
		}
		prev := old[oi]
		rowPath := path + "[" + r.Key + "]"
		if len(prev.Dynamics) != len(r.Dynamics) {
			return nil, &ShapeError{Path: rowPath, Reason: fmt.Sprintf("slot count changed from %d to %d", len(prev.Dynamics), len(r.Dynamics))}
		}
		sub, err := diffSlots(prev.Dynamics, r.Dynamics, rowPath, oldTmpl, newTmpl)
		if err != nil {
			return nil, err
		}
		if len(sub) > 0 {
			ops = append(ops, ListOp{Op: ListOpUpd, Key: r.Key, Slots: sub})
		}
	}

	return ops, nil
}

// lcsMembers returns the key set of a longest common subsequence of a
// and b. Keys are unique within a list, so membership is unambiguous.
func lcsMembers(a, b []string) map[string]bool {
	members := make(map[string]bool, len(a))
	if len(a) == 0 || len(b) == 0 {
		return members
	}
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
				continue
			}
			dp[i][j] = max(dp[i+1][j], dp[i][j+1])
		}
	}
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			members[a[i]] = true
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return members
}
