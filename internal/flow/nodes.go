package flow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dm-agent/internal/models"
)

// Kind is the node type discriminator as written by the flow editor.
type Kind string

const (
	KindMessage   Kind = "message"
	KindButton    Kind = "button"
	KindDelay     Kind = "delay"
	KindCondition Kind = "condition"
	KindCapture   Kind = "capture"
	KindEnd       Kind = "end"
)

// MaxButtons is the number of options a button node may offer.
const MaxButtons = 3

// Node is one of the concrete node types below. The set is closed: the
// unexported method keeps other packages from adding kinds.
type Node interface {
	NodeID() string
	Kind() Kind
	node()
}

type base struct {
	ID string `json:"-"`
}

func (b base) NodeID() string { return b.ID }
func (base) node()            {}

// MessageNode sends one message and moves on.
type MessageNode struct {
	base
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"messageType"`
	URL         string             `json:"url"`
	MediaURL    string             `json:"mediaUrl"`
	Priority    models.Priority    `json:"priority"`
}

// ButtonNode sends a message with quick-reply options and waits for a pick.
type ButtonNode struct {
	base
	Content  string          `json:"content"`
	Buttons  []models.Button `json:"buttons"`
	Priority models.Priority `json:"priority"`
}

// DelayNode pauses the trigger for Duration Units.
type DelayNode struct {
	base
	Duration number `json:"duration"`
	Unit     string `json:"unit"`
}

// ConditionNode branches on a flow state variable.
type ConditionNode struct {
	base
	Variable string   `json:"variable"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// CaptureNode asks for a value and stores the validated reply.
type CaptureNode struct {
	base
	Prompt         string         `json:"prompt"`
	Field          string         `json:"field"`
	ValidationType ValidationType `json:"validationType"`
	RetryMessage   string         `json:"retryMessage"`
	MaxRetries     number         `json:"maxRetries"`
}

// EndNode finishes the flow, optionally with a last message.
type EndNode struct {
	base
	Content string `json:"content"`
}

func (*MessageNode) Kind() Kind   { return KindMessage }
func (*ButtonNode) Kind() Kind    { return KindButton }
func (*DelayNode) Kind() Kind     { return KindDelay }
func (*ConditionNode) Kind() Kind { return KindCondition }
func (*CaptureNode) Kind() Kind   { return KindCapture }
func (*EndNode) Kind() Kind       { return KindEnd }

// Wait converts the delay into a duration.
func (n *DelayNode) Wait() (time.Duration, error) {
	var unit time.Duration
	switch strings.ToLower(strings.TrimSpace(n.Unit)) {
	case "s", "sec", "second", "seconds":
		unit = time.Second
	case "", "m", "min", "minute", "minutes":
		unit = time.Minute
	case "h", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown delay unit %q", n.Unit)
	}
	d := time.Duration(float64(n.Duration) * float64(unit))
	if d < 0 {
		d = 0
	}
	return d, nil
}

// Options returns at most MaxButtons buttons with ids filled in.
func (n *ButtonNode) Options() []models.Button {
	out := make([]models.Button, 0, MaxButtons)
	for i, b := range n.Buttons {
		if len(out) == MaxButtons {
			break
		}
		if b.ID == "" {
			b.ID = fmt.Sprintf("%s-%d", n.ID, i)
		}
		out = append(out, b)
	}
	return out
}

// Retries returns the allowed number of failed attempts.
func (n *CaptureNode) Retries() int {
	if n.MaxRetries < 0 {
		return 0
	}
	return int(n.MaxRetries)
}

// number accepts both 5 and "5"; editors are not consistent about it.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = number(f)
	return nil
}

type rawNode struct {
	ID   string          `json:"id"`
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeNode(raw rawNode) (Node, error) {
	var n Node
	switch raw.Type {
	case KindMessage:
		n = &MessageNode{base: base{ID: raw.ID}}
	case KindButton:
		n = &ButtonNode{base: base{ID: raw.ID}}
	case KindDelay:
		n = &DelayNode{base: base{ID: raw.ID}}
	case KindCondition:
		n = &ConditionNode{base: base{ID: raw.ID}}
	case KindCapture:
		n = &CaptureNode{base: base{ID: raw.ID}}
	case KindEnd:
		n = &EndNode{base: base{ID: raw.ID}}
	default:
		return nil, fmt.Errorf("node %q has unknown type %q", raw.ID, raw.Type)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, n); err != nil {
			return nil, fmt.Errorf("node %q: %w", raw.ID, err)
		}
	}
	return n, nil
}
