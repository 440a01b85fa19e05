// Package diagram draws the stage graph of a funnel definition, optionally
// overlaid with the path one conversation took through it.
package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

// Progress is the path of a conversation through a funnel.
type Progress struct {
	Path    []*store.PathRecord
	Current string
	Status  schema.ConversationStatus
}

// Build converts a funnel definition into a DiagramModel. A nil progress
// draws the bare graph.
func Build(def *schema.FunnelDefinition, progress *Progress) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: schema.StageStart, Label: "start", Kind: NodeKindStart})
	for i := range def.Stages {
		model.Nodes = append(model.Nodes, stageToNode(&def.Stages[i]))
	}

	model.Edges = append(model.Edges, startEdges(model, def)...)
	for i := range def.Stages {
		st := &def.Stages[i]
		for _, rule := range st.Next {
			model.Edges = append(model.Edges, ruleEdge(model, st.Name, rule))
		}
	}

	if progress != nil {
		overlayProgress(model, progress)
	}
	return model, nil
}

func stageToNode(st *schema.StageDefinition) *Node {
	kind := NodeKindStage
	for _, a := range st.Actions {
		if a.Ask != nil {
			kind = NodeKindAsk
			break
		}
	}
	return &Node{ID: st.Name, Label: nodeLabel(st), Kind: kind}
}

// nodeLabel is the stage name followed by an action summary.
func nodeLabel(st *schema.StageDefinition) string {
	var parts []string
	for _, a := range st.Actions {
		switch {
		case a.Send != nil:
			parts = append(parts, "send")
		case a.Ask != nil:
			parts = append(parts, "ask")
		case a.Tag != nil:
			parts = append(parts, "tag")
		case a.Set != nil:
			parts = append(parts, "set "+a.Set.Key)
		case a.Wait != "":
			parts = append(parts, "wait "+a.Wait)
		case a.Log != nil:
			parts = append(parts, "log")
		}
	}
	if len(parts) == 0 {
		return st.Name
	}
	return st.Name + "\n" + strings.Join(parts, ", ")
}

// startEdges follows the start hook: its rules, else the first stage, else
// a completed end.
func startEdges(model *DiagramModel, def *schema.FunnelDefinition) []Edge {
	if len(def.Start.Next) > 0 {
		edges := make([]Edge, 0, len(def.Start.Next))
		for _, rule := range def.Start.Next {
			edges = append(edges, ruleEdge(model, schema.StageStart, rule))
		}
		return edges
	}
	if len(def.Stages) > 0 {
		return []Edge{{From: schema.StageStart, To: def.Stages[0].Name, Kind: EdgeNext}}
	}
	return []Edge{{From: schema.StageStart, To: endNode(model, schema.StatusCompleted), Kind: EdgeEnd}}
}

func ruleEdge(model *DiagramModel, from string, rule schema.NextRule) Edge {
	e := Edge{From: from, Label: rule.When}
	switch {
	case rule.Stage != "":
		e.To, e.Kind = rule.Stage, EdgeNext
	case rule.Loop:
		e.To, e.Kind = from, EdgeLoop
	case rule.Restart:
		e.To, e.Kind = schema.StageStart, EdgeRestart
	default:
		e.To, e.Kind = endNode(model, rule.End), EdgeEnd
	}
	return e
}

// endNode returns the id of the end node for status, adding it on first use.
func endNode(model *DiagramModel, status schema.ConversationStatus) string {
	id := schema.StageEnd + "_" + strings.ToLower(string(status))
	if model.node(id) == nil {
		model.Nodes = append(model.Nodes, &Node{ID: id, Label: string(status), Kind: NodeKindEnd})
	}
	return id
}

func overlayProgress(model *DiagramModel, p *Progress) {
	visits := make(map[string]int, len(p.Path))
	for _, rec := range p.Path {
		visits[rec.StageName]++
	}
	for _, n := range model.Nodes {
		if c := visits[n.ID]; c > 0 {
			n.Status = &StatusOverlay{Visits: c}
		}
	}
	current := p.Current
	if p.Status.Terminal() {
		current = endNode(model, p.Status)
	}
	if n := model.node(current); n != nil {
		if n.Status == nil {
			n.Status = &StatusOverlay{Visits: 1}
		}
		n.Status.Current = true
	}
}

func titleFromDef(def *schema.FunnelDefinition) string {
	if def.Version != "" {
		return def.Name + " " + def.Version
	}
	return def.Name
}
