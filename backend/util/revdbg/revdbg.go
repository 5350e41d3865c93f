// Package revdbg provides debugging facility for signal tree revisions.
package revdbg

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sahilm/fuzzy"

	"sigtree/backend/signals"
	"sigtree/backend/util/colx"
	"sigtree/backend/util/maybe"
)

// Format of the rendered table.
type Format int

// Supported formats.
const (
	FormatText Format = iota
	FormatHTML
	FormatMarkdown
)

// Print the nodes of the revision into w, or into stdout if w is nil.
func Print(w io.Writer, rev signals.TreeRevision) {
	Render(w, rev, FormatText)
}

// Render the nodes of the revision into w in the given format.
func Render(w io.Writer, rev signals.TreeRevision, f Format) {
	render(w, rev, f, "")
}

// RenderMatching is like Render but only keeps the nodes whose id, value or map keys
// fuzzy-match the query, best matches first. An empty query keeps every node.
func RenderMatching(w io.Writer, rev signals.TreeRevision, f Format, query string) {
	render(w, rev, f, strings.TrimSpace(query))
}

type row struct {
	cells table.Row
	text  string
}

func render(w io.Writer, rev signals.TreeRevision, f Format, query string) {
	if w == nil {
		w = os.Stdout
	}

	rows := make([]row, 0, rev.Len())
	for id, n := range rev.Nodes() {
		switch n := n.(type) {
		case signals.Data:
			value := formatValue(n.Value)
			rows = append(rows, row{
				cells: table.Row{
					nodeName(id),
					"data",
					optionalID(n.Parent),
					optionalID(n.Owner),
					value,
					formatIDs(n.ListChildren),
					formatMap(n.MapChildren),
					n.LastUpdate.Short(),
				},
				text: nodeName(id) + " " + value + " " + strings.Join(n.MapChildren.Keys(), " "),
			})
		case signals.Alias:
			rows = append(rows, row{
				cells: table.Row{nodeName(id), "alias", "", "", "-> " + n.Target.Short(), "", "", ""},
				text:  nodeName(id) + " " + n.Target.Short(),
			})
		default:
			panic(fmt.Sprintf("BUG: unknown node type %T", n))
		}
	}

	title := fmt.Sprintf("owner %s, %d nodes", rev.OwnerID().Short(), rev.Len())
	if query != "" {
		rows = search(rows, query)
		title += fmt.Sprintf(", %d matching %q", len(rows), query)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"id", "kind", "parent", "owner", "value", "list", "map", "last update"})
	for _, r := range rows {
		tw.AppendRow(r.cells)
	}

	switch f {
	case FormatHTML:
		tw.RenderHTML()
	case FormatMarkdown:
		tw.RenderMarkdown()
	default:
		tw.Render()
	}
}

func search(rows []row, query string) []row {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.text
	}

	matches := fuzzy.Find(query, texts)
	out := make([]row, len(matches))
	for i, m := range matches {
		out[i] = rows[m.Index]
	}
	return out
}

func nodeName(id signals.ID) string {
	if id == signals.ZeroID {
		return "root"
	}
	return id.Short()
}

func optionalID(v maybe.Value[signals.ID]) string {
	id, ok := v.Get()
	if !ok {
		return ""
	}
	return nodeName(id)
}

func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatIDs(ids []signals.ID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Short()
	}
	return strings.Join(names, ", ")
}

func formatMap(m colx.OrderedMap[string, signals.ID]) string {
	var sb strings.Builder
	for k, id := range m.All() {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(id.Short())
	}
	return sb.String()
}
