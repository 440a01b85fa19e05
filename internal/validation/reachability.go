package validation

import (
	"sort"

	"github.com/rendis/funnel/pkg/schema"
)

// validateReachability warns about stages that no next rule leads to,
// walking breadth-first from start.
func validateReachability(def *schema.FunnelDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	edges := make(map[string][]string, len(def.Stages)+1)
	addEdges := func(from string, rules []schema.NextRule) {
		for _, n := range rules {
			switch {
			case n.Stage != "":
				edges[from] = append(edges[from], n.Stage)
			case n.Restart:
				edges[from] = append(edges[from], schema.StageStart)
			}
		}
	}
	addEdges(schema.StageStart, def.Start.Next)
	for _, st := range def.Stages {
		addEdges(st.Name, st.Next)
	}

	reachable := map[string]bool{schema.StageStart: true}
	queue := []string{schema.StageStart}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var dead []string
	for _, st := range def.Stages {
		if !reachable[st.Name] {
			dead = append(dead, st.Name)
		}
	}
	sort.Strings(dead)
	for _, name := range dead {
		result.AddWarning("stages", schema.ErrCodeValidation,
			"stage "+name+" is unreachable from start")
	}
	return result
}
