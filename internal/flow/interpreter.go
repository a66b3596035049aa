// Package flow executes automation graphs one trigger at a time. Advance is
// pure with respect to I/O: it mutates the trigger and returns the message
// intents to persist, leaving storage and sending to the caller.
package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
)

// Outcome is the result of one Advance call.
type Outcome string

const (
	OutcomeSuspend  Outcome = "suspend"
	OutcomeComplete Outcome = "complete"
	OutcomeFail     Outcome = "fail"
)

// Failure reasons that are not structural.
const (
	ReasonTimeout             = "timeout"
	ReasonValidationExhausted = "validation_exhausted"
)

// DefaultMaxSteps bounds the nodes executed by one Advance call.
const DefaultMaxSteps = 50

// Step describes what Advance did. When Noop is true the trigger was left
// untouched and there is nothing to persist.
type Step struct {
	Outcome  Outcome
	ResumeAt *time.Time
	Intents  []models.MessageIntent
	Reason   string
	Kind     failure.Kind
	Noop     bool
}

// Err returns the classified failure for failed steps.
func (s *Step) Err() error {
	if s.Outcome != OutcomeFail {
		return nil
	}
	kind := s.Kind
	if kind == "" {
		kind = failure.KindValidation
	}
	return failure.New(kind, s.Reason)
}

// Reply is an inbound message routed to a waiting trigger.
type Reply struct {
	Text    string
	Payload string
}

// Input carries the context of one Advance call.
type Input struct {
	Now   time.Time
	Reply *Reply
}

// Interpreter runs flows.
type Interpreter struct {
	replyTimeout time.Duration
	maxSteps     int
}

// NewInterpreter creates an interpreter. A non-positive replyTimeout lets
// button and capture nodes wait forever.
func NewInterpreter(replyTimeout time.Duration, maxSteps int) *Interpreter {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Interpreter{replyTimeout: replyTimeout, maxSteps: maxSteps}
}

// Advance moves the trigger forward from its persisted state until the flow
// suspends, completes or fails. A fresh trigger starts at the entry node.
// Calling Advance for a suspended trigger that is not due, or with a reply it
// is not waiting for, is a no-op.
func (it *Interpreter) Advance(t *models.Trigger, g *Graph, in Input) (*Step, error) {
	if t == nil || g == nil {
		return nil, failure.Validation("trigger and graph are required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := &run{it: it, t: t, g: g, now: now.UTC(), step: &Step{}}

	if t.Status.IsTerminal() {
		return terminal(t), nil
	}

	if t.CurrentNodeID == nil {
		entry, err := g.Entry()
		if err != nil {
			return r.fail(failure.KindFlowStructure, failure.ReasonOf(err)), nil
		}
		t.Status = models.TriggerProcessing
		return r.from(entry), nil
	}

	node, ok := g.Node(t.NodeID())
	if !ok {
		return r.fail(failure.KindFlowStructure, fmt.Sprintf("current node %q is not in the flow", t.NodeID())), nil
	}

	switch t.Awaiting {
	case models.AwaitDelay:
		return r.resumeDelay(node), nil
	case models.AwaitButton:
		return r.resumeButton(node, in.Reply), nil
	case models.AwaitCapture:
		return r.resumeCapture(node, in.Reply), nil
	default:
		t.Status = models.TriggerProcessing
		return r.from(node.NodeID()), nil
	}
}

type run struct {
	it    *Interpreter
	t     *models.Trigger
	g     *Graph
	now   time.Time
	step  *Step
	steps int
}

func terminal(t *models.Trigger) *Step {
	if t.Status == models.TriggerCompleted {
		return &Step{Outcome: OutcomeComplete, Noop: true}
	}
	return &Step{Outcome: OutcomeFail, Reason: t.FailureReason, Noop: true}
}

func (r *run) noop() *Step {
	s := &Step{Outcome: OutcomeSuspend, Noop: true}
	if r.t.NextRetryAt != nil {
		at := *r.t.NextRetryAt
		s.ResumeAt = &at
	}
	return s
}

// from executes nodes starting at id.
func (r *run) from(id string) *Step {
	for {
		if r.steps >= r.it.maxSteps {
			return r.fail(failure.KindFlowStructure, fmt.Sprintf("more than %d nodes in one step, the flow likely loops", r.it.maxSteps))
		}
		node, ok := r.g.Node(id)
		if !ok {
			return r.fail(failure.KindFlowStructure, fmt.Sprintf("edge points to missing node %q", id))
		}
		r.steps++
		r.t.StepCount++
		r.t.SetNode(id)

		switch n := node.(type) {
		case *MessageNode:
			r.emit(n.ID, messageType(n), n.Priority, n.Content, nil, mediaFor(n))
			target, ok, err := r.g.next(n.ID)
			if err != nil {
				return r.fail(failure.KindFlowStructure, failure.ReasonOf(err))
			}
			if !ok {
				return r.complete()
			}
			id = target

		case *ButtonNode:
			options := n.Options()
			if len(options) == 0 {
				return r.fail(failure.KindFlowStructure, fmt.Sprintf("button node %q has no buttons", n.ID))
			}
			r.emit(n.ID, models.MessageButton, n.Priority, n.Content, options, "")
			return r.await(models.AwaitButton, r.replyDeadline())

		case *DelayNode:
			wait, err := n.Wait()
			if err != nil {
				return r.fail(failure.KindFlowStructure, fmt.Sprintf("delay node %q: %v", n.ID, err))
			}
			resumeAt := r.now.Add(wait)
			return r.await(models.AwaitDelay, &resumeAt)

		case *ConditionNode:
			matched, err := n.Evaluate(r.t.FlowState)
			if err != nil {
				return r.fail(failure.KindFlowStructure, fmt.Sprintf("condition node %q: %v", n.ID, err))
			}
			var target string
			var found bool
			if matched {
				target, found = r.g.labeled(n.ID, LabelTrue, n.Value)
			} else {
				target, found = r.g.labeled(n.ID, LabelFalse)
			}
			if !found {
				target, found = r.g.fallback(n.ID)
			}
			if !found {
				return r.fail(failure.KindFlowStructure, fmt.Sprintf("condition node %q has no edge for result %t", n.ID, matched))
			}
			id = target

		case *CaptureNode:
			r.t.CaptureAttempts = 0
			r.emit(n.ID, models.MessageText, "", n.Prompt, nil, "")
			return r.await(models.AwaitCapture, r.replyDeadline())

		case *EndNode:
			if strings.TrimSpace(n.Content) != "" {
				r.emit(n.ID, models.MessageText, "", n.Content, nil, "")
			}
			return r.complete()

		default:
			return r.fail(failure.KindFlowStructure, fmt.Sprintf("node %q has unsupported kind %q", id, node.Kind()))
		}
	}
}

func (r *run) resumeDelay(node Node) *Step {
	if _, ok := node.(*DelayNode); !ok {
		return r.fail(failure.KindFlowStructure, fmt.Sprintf("trigger waits on delay but %q is a %s node", node.NodeID(), node.Kind()))
	}
	if !r.t.IsDue(r.now) {
		return r.noop()
	}
	r.clearWait()
	target, ok, err := r.g.next(node.NodeID())
	if err != nil {
		return r.fail(failure.KindFlowStructure, failure.ReasonOf(err))
	}
	if !ok {
		return r.complete()
	}
	return r.from(target)
}

func (r *run) resumeButton(node Node, reply *Reply) *Step {
	n, ok := node.(*ButtonNode)
	if !ok {
		return r.fail(failure.KindFlowStructure, fmt.Sprintf("trigger waits on a button but %q is a %s node", node.NodeID(), node.Kind()))
	}

	if reply != nil {
		choice := n.choose(reply)
		if choice == "" {
			return r.noop()
		}
		target, found := r.g.labeled(n.ID, choice)
		if !found {
			return r.fail(failure.KindFlowStructure, fmt.Sprintf("button %q of node %q has no edge", choice, n.ID))
		}
		r.clearWait()
		return r.from(target)
	}

	if !r.timedOut() {
		return r.noop()
	}
	r.clearWait()
	if target, found := r.g.labeled(n.ID, LabelTimeout, LabelDefault); found {
		return r.from(target)
	}
	return r.fail("", ReasonTimeout)
}

func (r *run) resumeCapture(node Node, reply *Reply) *Step {
	n, ok := node.(*CaptureNode)
	if !ok {
		return r.fail(failure.KindFlowStructure, fmt.Sprintf("trigger waits on input but %q is a %s node", node.NodeID(), node.Kind()))
	}

	if reply == nil {
		if !r.timedOut() {
			return r.noop()
		}
		r.clearWait()
		if target, found := r.g.labeled(n.ID, LabelTimeout); found {
			return r.from(target)
		}
		return r.fail("", ReasonTimeout)
	}

	if value, valid := n.ValidationType.Accept(reply.Text); valid {
		if r.t.FlowState == nil {
			r.t.FlowState = models.StringMap{}
		}
		if n.Field != "" {
			r.t.FlowState[n.Field] = value
		}
		r.t.CaptureAttempts = 0
		r.clearWait()
		target, found := r.g.labeled(n.ID, LabelSuccess)
		if !found {
			target, found = r.g.fallback(n.ID)
		}
		if !found {
			return r.complete()
		}
		return r.from(target)
	}

	r.t.CaptureAttempts++
	if r.t.CaptureAttempts <= n.Retries() {
		retry := n.RetryMessage
		if strings.TrimSpace(retry) == "" {
			retry = n.Prompt
		}
		r.t.StepCount++
		r.emit(n.ID, models.MessageText, "", retry, nil, "")
		return r.await(models.AwaitCapture, r.replyDeadline())
	}

	r.clearWait()
	if target, found := r.g.labeled(n.ID, LabelFailure); found {
		return r.from(target)
	}
	return r.fail(failure.KindValidation, ReasonValidationExhausted)
}

// choose maps a reply onto a button id: payload first, then the typed title.
func (n *ButtonNode) choose(reply *Reply) string {
	options := n.Options()
	if p := strings.TrimSpace(reply.Payload); p != "" {
		for _, b := range options {
			if strings.EqualFold(b.ID, p) {
				return b.ID
			}
		}
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return ""
	}
	for _, b := range options {
		if strings.EqualFold(b.Title, text) || strings.EqualFold(b.ID, text) {
			return b.ID
		}
	}
	return ""
}

func (r *run) emit(nodeID string, typ models.MessageType, priority models.Priority, content string, buttons []models.Button, mediaURL string) {
	if priority == "" {
		priority = models.PriorityNormal
	}
	r.step.Intents = append(r.step.Intents, models.MessageIntent{
		TriggerID:   r.t.ID,
		CampaignID:  r.t.CampaignID,
		NodeID:      nodeID,
		Seq:         r.t.StepCount,
		RecipientID: r.t.ActorID,
		Type:        typ,
		Priority:    priority,
		Content:     Render(content, r.t),
		Buttons:     buttons,
		MediaURL:    mediaURL,
	})
}

func (r *run) replyDeadline() *time.Time {
	if r.it.replyTimeout <= 0 {
		return nil
	}
	at := r.now.Add(r.it.replyTimeout)
	return &at
}

func (r *run) timedOut() bool {
	return r.t.NextRetryAt != nil && !r.now.Before(*r.t.NextRetryAt)
}

func (r *run) await(state models.AwaitState, resumeAt *time.Time) *Step {
	r.t.Status = models.TriggerProcessing
	r.t.Awaiting = state
	r.t.NextRetryAt = resumeAt
	r.step.Outcome = OutcomeSuspend
	r.step.ResumeAt = resumeAt
	return r.step
}

func (r *run) clearWait() {
	r.t.Awaiting = models.AwaitNone
	r.t.NextRetryAt = nil
}

func (r *run) complete() *Step {
	now := r.now
	r.clearWait()
	r.t.Status = models.TriggerCompleted
	r.t.CompletedAt = &now
	r.step.Outcome = OutcomeComplete
	return r.step
}

// fail drops the intents of this call: a failed trigger sends nothing more.
func (r *run) fail(kind failure.Kind, reason string) *Step {
	r.clearWait()
	r.t.Status = models.TriggerFailed
	r.t.FailureReason = reason
	r.step.Outcome = OutcomeFail
	r.step.Kind = kind
	r.step.Reason = reason
	r.step.Intents = nil
	return r.step
}

func messageType(n *MessageNode) models.MessageType {
	switch {
	case n.MessageType != "":
		return n.MessageType
	case n.MediaURL != "":
		return models.MessageImage
	case n.URL != "":
		return models.MessageLink
	default:
		return models.MessageText
	}
}

func mediaFor(n *MessageNode) string {
	if n.MediaURL != "" {
		return n.MediaURL
	}
	return n.URL
}
