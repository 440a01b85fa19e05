package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel with graphviz in the given format
// (graphviz.PNG or graphviz.SVG).
func RenderImage(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if label := edge.Caption(); label != "" {
			e.SetLabel(label)
		}
		switch edge.Kind {
		case EdgeLoop, EdgeRestart:
			e.SetStyle(cgraph.DashedEdgeStyle)
		case EdgeEnd:
			e.SetStyle(cgraph.BoldEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle picks the shape from the node kind and fills the nodes a
// conversation went through. The current node gets a thick border.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindStage:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindAsk:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.DoubleCircleShape)
	}

	if node.Status == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFillColor(visitColor(node.Status.Visits))
	if node.Status.Current {
		gvNode.SetPenWidth(3)
		gvNode.SetColor("#b03a2e")
	}
}

// visitColor darkens with the number of visits.
func visitColor(visits int) string {
	switch {
	case visits > 2:
		return "#7dcea0"
	case visits == 2:
		return "#a9dfbf"
	default:
		return "#d4efdf"
	}
}
