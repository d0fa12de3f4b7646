package rendered

import "strings"

// HTML renders the tree to markup: statics interleaved with rendered
// dynamics, list statics repeated per row, inactive conditionals
// contributing nothing. This produces the initial-page markup; after
// that only patches travel.
func (t *Tree) HTML() string {
	var sb strings.Builder
	t.writeHTML(&sb, nil)
	return sb.String()
}

func (t *Tree) writeHTML(sb *strings.Builder, templates [][]string) {
	statics := t.Statics
	switch t.Kind {
	case TreeList:
		tmpl := t.Templates
		if tmpl == nil {
			tmpl = templates
		}
		for _, row := range t.Rows {
			writeInterleaved(sb, statics, row.Dynamics, tmpl)
		}
	default:
		writeInterleaved(sb, statics, t.Dynamics, templates)
	}
}

func writeInterleaved(sb *strings.Builder, statics []string, dynamics []Dynamic, templates [][]string) {
	for i, d := range dynamics {
		if i < len(statics) {
			sb.WriteString(statics[i])
		}
		d.writeHTML(sb, templates)
	}
	if len(statics) > len(dynamics) {
		sb.WriteString(statics[len(statics)-1])
	}
}

func (d Dynamic) writeHTML(sb *strings.Builder, templates [][]string) {
	switch d.Kind {
	case DynText, DynAttr:
		sb.WriteString(d.Value)
	case DynNested, DynList:
		d.subtreeHTML(sb, templates)
	case DynCond:
		if d.Active && d.Tree != nil {
			d.subtreeHTML(sb, templates)
		}
	}
}

func (d Dynamic) subtreeHTML(sb *strings.Builder, templates [][]string) {
	t := d.Tree
	if t.Statics == nil && d.Template < len(templates) {
		clone := *t
		clone.Statics = templates[d.Template]
		t = &clone
	}
	t.writeHTML(sb, templates)
}
