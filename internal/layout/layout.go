// Package layout holds the split-container state machine. Every function is
// pure: it takes a layout and returns the next one without touching any
// registry state.
package layout

import (
	"fmt"

	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/model"
)

// AxisFor returns the composite type produced by dropping onto edge.
func AxisFor(edge model.Edge) (model.LayoutType, error) {
	switch edge {
	case model.EdgeLeft, model.EdgeRight:
		return model.LayoutVertical, nil
	case model.EdgeTop, model.EdgeBottom:
		return model.LayoutHorizontal, nil
	case model.EdgeCenter:
		return "", fmt.Errorf("%w: center edge does not merge", model.ErrInvalidIntent)
	default:
		return "", fmt.Errorf("%w: unknown edge %q", model.ErrInvalidIntent, edge)
	}
}

func leading(edge model.Edge) bool {
	return edge == model.EdgeLeft || edge == model.EdgeTop
}

// Promote turns a bare leaf into a two-pane composite. The incoming terminal
// goes first when it landed on the left or top edge.
func Promote(existingID, incomingID string, edge model.Edge) (model.SplitLayout, error) {
	axis, err := AxisFor(edge)
	if err != nil {
		return model.SplitLayout{}, err
	}
	if existingID == "" || incomingID == "" || existingID == incomingID {
		return model.SplitLayout{}, fmt.Errorf("%w: promote needs two distinct terminals", model.ErrNotMergeable)
	}
	existing := model.Pane{PaneID: identity.NewPaneID(), TerminalID: existingID}
	incoming := model.Pane{PaneID: identity.NewPaneID(), TerminalID: incomingID}
	out := model.SplitLayout{Type: axis, Panes: []model.Pane{existing, incoming}}
	if leading(edge) {
		out.Panes = []model.Pane{incoming, existing}
	}
	return normalize(out, true), nil
}

// Append adds a pane to an existing composite. The container keeps its type;
// containers are not nestable, so a perpendicular edge only chooses whether
// the pane is prepended or appended.
func Append(l model.SplitLayout, incomingID string, edge model.Edge) (model.SplitLayout, error) {
	if _, err := AxisFor(edge); err != nil {
		return model.SplitLayout{}, err
	}
	if !l.Composite() {
		return model.SplitLayout{}, fmt.Errorf("%w: append needs a composite layout, got %s", model.ErrNotMergeable, l.Type)
	}
	if _, ok := l.PaneFor(incomingID); ok {
		return model.SplitLayout{}, fmt.Errorf("%w: %s is already a pane", model.ErrNotMergeable, incomingID)
	}
	out := l.Clone()
	pane := model.Pane{PaneID: identity.NewPaneID(), TerminalID: incomingID}
	if leading(edge) {
		out.Panes = append([]model.Pane{pane}, out.Panes...)
	} else {
		out.Panes = append(out.Panes, pane)
	}
	return normalize(out, true), nil
}

// RemovePanes drops the panes referencing terminalIDs. One survivor collapses
// the layout to single and returns the survivor as ref; zero survivors leave
// an empty composite of the same type.
func RemovePanes(l model.SplitLayout, terminalIDs ...string) (out model.SplitLayout, ref string) {
	if !l.Composite() {
		return l.Clone(), ""
	}
	drop := make(map[string]struct{}, len(terminalIDs))
	for _, id := range terminalIDs {
		drop[id] = struct{}{}
	}
	kept := make([]model.Pane, 0, len(l.Panes))
	for _, p := range l.Panes {
		if _, ok := drop[p.TerminalID]; ok {
			continue
		}
		kept = append(kept, p)
	}
	switch len(kept) {
	case 0:
		return model.SplitLayout{Type: l.Type, Panes: []model.Pane{}}, ""
	case 1:
		return model.SplitLayout{Type: model.LayoutSingle}, kept[0].TerminalID
	default:
		return normalize(model.SplitLayout{Type: l.Type, Panes: kept}, false), ""
	}
}

// MovePane moves the pane for terminalID to index. Type and pane count never
// change.
func MovePane(l model.SplitLayout, terminalID string, index int) (model.SplitLayout, error) {
	from := -1
	for i, p := range l.Panes {
		if p.TerminalID == terminalID {
			from = i
			break
		}
	}
	if from < 0 {
		return model.SplitLayout{}, fmt.Errorf("%w: pane for %s", model.ErrNotFound, terminalID)
	}
	out := l.Clone()
	index = clampIndex(index, len(out.Panes)-1)
	pane := out.Panes[from]
	out.Panes = append(out.Panes[:from], out.Panes[from+1:]...)
	out.Panes = append(out.Panes[:index], append([]model.Pane{pane}, out.Panes[index:]...)...)
	return relabel(out), nil
}

// TerminalIDs lists the referenced terminals in pane order.
func TerminalIDs(l model.SplitLayout) []string {
	ids := make([]string, 0, len(l.Panes))
	for _, p := range l.Panes {
		ids = append(ids, p.TerminalID)
	}
	return ids
}

func normalize(l model.SplitLayout, equal bool) model.SplitLayout {
	n := len(l.Panes)
	if n == 0 {
		return l
	}
	total := 0.0
	for _, p := range l.Panes {
		total += p.Size
	}
	for i := range l.Panes {
		if equal || total <= 0 {
			l.Panes[i].Size = 1 / float64(n)
			continue
		}
		l.Panes[i].Size = l.Panes[i].Size / total
	}
	return relabel(l)
}

func relabel(l model.SplitLayout) model.SplitLayout {
	first, last := "left", "right"
	if l.Type == model.LayoutHorizontal {
		first, last = "top", "bottom"
	}
	for i := range l.Panes {
		switch i {
		case 0:
			l.Panes[i].Position = first
		case len(l.Panes) - 1:
			l.Panes[i].Position = last
		default:
			l.Panes[i].Position = "middle"
		}
	}
	return l
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}
