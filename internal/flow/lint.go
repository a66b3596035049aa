package flow

import (
	"fmt"
	"sort"

	"github.com/dm-agent/internal/failure"
)

// Lint reports structural problems that would fail a trigger at runtime.
// It is a dry check for operators; the interpreter does not call it.
func Lint(g *Graph) []error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, failure.FlowStructure(format, args...))
	}

	entry, err := g.Entry()
	if err != nil {
		problems = append(problems, err)
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.Source]; !ok {
			add("edge %q starts at missing node %q", e.ID, e.Source)
		}
		if err := g.edgeTargetExists(e); err != nil {
			add("%v", err)
		}
	}

	for _, id := range g.order {
		switch n := g.nodes[id].(type) {
		case *MessageNode:
			if _, _, err := g.next(id); err != nil {
				problems = append(problems, err)
			}
		case *DelayNode:
			if _, err := n.Wait(); err != nil {
				add("delay node %q: %v", id, err)
			}
			if _, _, err := g.next(id); err != nil {
				problems = append(problems, err)
			}
		case *ButtonNode:
			options := n.Options()
			if len(options) == 0 {
				add("button node %q has no buttons", id)
			}
			if len(n.Buttons) > MaxButtons {
				add("button node %q has %d buttons, only %d are sent", id, len(n.Buttons), MaxButtons)
			}
			for _, b := range options {
				if _, ok := g.labeled(id, b.ID); !ok {
					add("button %q of node %q has no edge", b.ID, id)
				}
			}
		case *ConditionNode:
			if _, err := n.Evaluate(nil); err != nil {
				add("condition node %q: %v", id, err)
			}
			_, hasTrue := g.labeled(id, LabelTrue, n.Value)
			_, hasFalse := g.labeled(id, LabelFalse)
			_, hasDefault := g.fallback(id)
			if !hasDefault && (!hasTrue || !hasFalse) {
				add("condition node %q does not cover both outcomes", id)
			}
		case *CaptureNode:
			switch n.ValidationType {
			case "", ValidateNone, ValidateEmail, ValidatePhone:
			default:
				add("capture node %q has unknown validation type %q", id, n.ValidationType)
			}
			if n.Field == "" {
				add("capture node %q does not name a field", id)
			}
		case *EndNode:
			if len(g.outgoing[id]) > 0 {
				add("end node %q has outgoing edges", id)
			}
		}
	}

	if entry != "" {
		reached := g.reachable(entry)
		var unreachable []string
		for _, id := range g.order {
			if !reached[id] {
				unreachable = append(unreachable, id)
			}
		}
		sort.Strings(unreachable)
		for _, id := range unreachable {
			add("node %q is unreachable from entry %q", id, entry)
		}
	}

	return problems
}

func (g *Graph) reachable(from string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if _, ok := g.nodes[e.Target]; ok && !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// Summary returns a one-line description, for CLI output.
func (g *Graph) Summary() string {
	counts := map[Kind]int{}
	for _, n := range g.nodes {
		counts[n.Kind()]++
	}
	return fmt.Sprintf("%d nodes (%d message, %d button, %d delay, %d condition, %d capture, %d end), %d edges",
		len(g.nodes), counts[KindMessage], counts[KindButton], counts[KindDelay],
		counts[KindCondition], counts[KindCapture], counts[KindEnd], len(g.edges))
}
