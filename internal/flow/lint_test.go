package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-agent/internal/models"
)

func TestLintCleanFlow(t *testing.T) {
	g := mustGraph(t, buttonFlow, `[
		{"id":"e1","source":"b1","target":"send","sourceHandle":"yes"},
		{"id":"e2","source":"b1","target":"bye","sourceHandle":"no"},
		{"id":"e3","source":"b1","target":"late","sourceHandle":"later"}
	]`)
	problems := Lint(g)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Error(), "only 3 are sent")
	assert.Contains(t, g.Summary(), "4 nodes (1 message, 1 button")
}

func TestLintReportsProblems(t *testing.T) {
	g := mustGraph(t, `[
		{"id":"start","type":"message","data":{"content":"hi"}},
		{"id":"cond","type":"condition","data":{"variable":"x","operator":"equals","value":"y"}},
		{"id":"ask","type":"capture","data":{"validationType":"postcode"}},
		{"id":"done","type":"end"},
		{"id":"island","type":"delay","data":{"unit":"weeks"}}
	]`, `[
		{"id":"1","source":"start","target":"cond"},
		{"id":"2","source":"cond","target":"ask","label":"true"},
		{"id":"3","source":"ask","target":"done"},
		{"id":"4","source":"done","target":"ghost"},
		{"id":"5","source":"island","target":"island"}
	]`)

	var joined []string
	for _, p := range Lint(g) {
		joined = append(joined, p.Error())
	}
	assert.Contains(t, joined, "flow_structure: edge \"4\" points to missing node \"ghost\"")
	assert.Contains(t, joined, "flow_structure: condition node \"cond\" does not cover both outcomes")
	assert.Contains(t, joined, "flow_structure: capture node \"ask\" has unknown validation type \"postcode\"")
	assert.Contains(t, joined, "flow_structure: capture node \"ask\" does not name a field")
	assert.Contains(t, joined, "flow_structure: end node \"done\" has outgoing edges")
	assert.Contains(t, joined, "flow_structure: delay node \"island\": unknown delay unit \"weeks\"")
	assert.Contains(t, joined, "flow_structure: node \"island\" is unreachable from entry \"start\"")
}

func TestRender(t *testing.T) {
	trig := &models.Trigger{
		ActorUsername: "grace.h",
		FlowState:     models.StringMap{"email": "g@navy.mil"},
	}
	assert.Equal(t, "Hi grace.h, mail g@navy.mil", Render("Hi {{ first_name }}, mail {{email}}", trig))
	assert.Equal(t, "missing: []", Render("missing: [{{nope}}]", trig))
	assert.Equal(t, "plain", Render("plain", trig))

	trig.ActorName = "Grace Hopper"
	assert.Equal(t, "Grace Hopper / Grace / grace.h", Render("{{name}} / {{first_name}} / {{username}}", trig))
}
