package diagram

import (
	"fmt"
	"strings"
)

var (
	mermaidIDReplacer    = strings.NewReplacer(".", "_", "-", "_", " ", "_")
	mermaidLabelReplacer = strings.NewReplacer(`"`, "#quot;", "|", "#124;")
)

// mermaidArrows draws rule kinds apart: loops and restarts dotted, ends thick.
var mermaidArrows = map[EdgeKind]string{
	EdgeNext:    "-->",
	EdgeLoop:    "-.->",
	EdgeRestart: "-.->",
	EdgeEnd:     "==>",
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Nodes the
// conversation went through get the visited class, its position the current
// class.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", model.Title)
	}
	b.WriteString("flowchart TD\n")

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s%s\n", mermaidNode(node), mermaidClass(node.Status))
	}

	for _, edge := range model.Edges {
		arrow, ok := mermaidArrows[edge.Kind]
		if !ok {
			arrow = "-->"
		}
		if label := edge.Caption(); label != "" {
			arrow += "|" + mermaidLabelReplacer.Replace(label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidID(edge.From), arrow, mermaidID(edge.To))
	}

	b.WriteString("    classDef visited fill:#d4efdf,stroke:#1e8449\n")
	b.WriteString("    classDef current fill:#a9dfbf,stroke:#b03a2e,stroke-width:3px\n")
	return b.String()
}

// mermaidNode picks the shape from the kind: asks are rhombi, the start a
// circle and end statuses double circles.
func mermaidNode(node *Node) string {
	id := mermaidID(node.ID)
	label := mermaidLabelReplacer.Replace(firstLine(node.Label))
	if node.Status != nil && node.Status.Visits > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Visits)
	}

	switch node.Kind {
	case NodeKindAsk:
		return fmt.Sprintf(`%s{"%s"}`, id, label)
	case NodeKindStart:
		return fmt.Sprintf(`%s(("%s"))`, id, label)
	case NodeKindEnd:
		return fmt.Sprintf(`%s((("%s")))`, id, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidClass(s *StatusOverlay) string {
	switch {
	case s == nil:
		return ""
	case s.Current:
		return ":::current"
	default:
		return ":::visited"
	}
}
