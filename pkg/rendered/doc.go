// Package rendered models a view rendering as static markup fragments
// interleaved with dynamic value slots, and computes minimal patches
// between successive renderings.
//
// A Tree separates what never changes for a view (the statics) from
// what can (the dynamics). The client receives the statics once, on the
// first render; afterwards only changed slot values travel, keyed by
// slot index.
//
// # Building Trees
//
// Views produce trees through a Builder, pushing fragments in document
// order:
//
//	b := rendered.NewBuilder()
//	b.Static("<p>Count is ")
//	b.Text(strconv.Itoa(count))
//	b.Static("</p>")
//	tree := b.Build()
//
// Adjacent static fragments merge and empty fragments pad the
// interleaving, so the statics sequence depends only on the view code,
// never on the rendered values. Whenever a tree has dynamics,
// len(Statics) == len(Dynamics)+1.
//
// Conditional content goes through Cond, which occupies its slot
// whether or not the branch is active. Repeated content goes through
// List: every row carries a stable key identifying the logical item,
// rows share one statics sequence recorded from the first row, and
// statics of subtrees nested inside rows deduplicate into the list's
// template table. A list that renders no rows collapses to an empty
// text slot.
//
// # Client Encoding
//
// Tree marshals to the client format: an object with the statics under
// "s" and each dynamic under its slot index. List nodes carry rows
// under "d", row keys under "k" and the template table under "p";
// subtrees inside rows encode "s" as an index into that table. An
// inactive conditional encodes as "".
//
// # Diffing
//
// Diff compares two renderings of the same view:
//
//   - unchanged slots are omitted
//   - changed text and attribute slots ship the new string
//   - conditionals that stay active recurse; toggling ships "" or the
//     full subtree
//   - lists diff by row key into insert, delete, move and update
//     operations, leaving unaffected rows alone
//
// Statics appear in a patch only for subtrees the client has never
// seen, inlined rather than referenced through a template table. Trees
// that differ in statics or slot layout are not two renders of one
// view; Diff reports that as ErrShapeMismatch instead of guessing.
package rendered
