package diagram

import "strings"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindStage NodeKind = "stage"
	NodeKindAsk   NodeKind = "ask" // a stage that asks the contact something
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a stage, the start hook, or one end status.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the progress of one conversation through a node.
type StatusOverlay struct {
	Visits  int
	Current bool
}

// EdgeKind tells what a next rule does when it matches.
type EdgeKind string

const (
	EdgeNext    EdgeKind = "next"
	EdgeLoop    EdgeKind = "loop"
	EdgeRestart EdgeKind = "restart"
	EdgeEnd     EdgeKind = "end"
)

// Edge is a next rule. Label holds its guard, empty when unguarded.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

// Caption is the text drawn on the edge: the guard, plus "restart" for
// restart rules.
func (e Edge) Caption() string {
	if e.Kind == EdgeRestart {
		return strings.TrimSpace(e.Label + " restart")
	}
	return e.Label
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
