package diagram

import (
	"fmt"
	"strings"
)

// statusTag marks visited and current nodes.
func statusTag(s *StatusOverlay) string {
	switch {
	case s == nil:
		return ""
	case s.Current:
		return " <- here"
	case s.Visits > 1:
		return fmt.Sprintf(" (x%d)", s.Visits)
	default:
		return " (visited)"
	}
}

// RenderASCII renders the model as an indented outline: each node followed
// by its outgoing edges in rule order.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(model.Title + "\n")
		b.WriteString(strings.Repeat("=", len(model.Title)) + "\n")
	}

	out := make(map[string][]Edge, len(model.Nodes))
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e)
	}

	for _, node := range model.Nodes {
		if node.Kind == NodeKindEnd {
			continue
		}
		fmt.Fprintf(&b, "[%s]%s\n", firstLine(node.Label), statusTag(node.Status))
		if rest := restLines(node.Label); rest != "" {
			fmt.Fprintf(&b, "  %s\n", rest)
		}
		for _, e := range out[node.ID] {
			target := e.To
			switch e.Kind {
			case EdgeLoop:
				target = "LOOP"
			case EdgeRestart:
				target = "RESTART"
			case EdgeEnd:
				if n := findNode(model.Nodes, e.To); n != nil {
					target = "END " + n.Label + statusTag(n.Status)
				}
			}
			guard := "always"
			if e.Label != "" {
				guard = e.Label
			}
			fmt.Fprintf(&b, "  --> %s  when %s\n", target, guard)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func restLines(s string) string {
	_, rest, _ := strings.Cut(s, "\n")
	return strings.ReplaceAll(rest, "\n", " ")
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
