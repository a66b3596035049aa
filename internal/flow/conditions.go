package flow

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator compares a flow state variable with a constant.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
)

// Evaluate applies the condition to the flow state. String comparisons
// ignore case and surrounding whitespace.
func (n *ConditionNode) Evaluate(state map[string]string) (bool, error) {
	actual, present := state[n.Variable]
	a := strings.ToLower(strings.TrimSpace(actual))
	v := strings.ToLower(strings.TrimSpace(n.Value))

	switch n.Operator {
	case OpEquals:
		return present && a == v, nil
	case OpNotEquals:
		return !present || a != v, nil
	case OpContains:
		return present && strings.Contains(a, v), nil
	case OpNotContains:
		return !present || !strings.Contains(a, v), nil
	case OpExists:
		return present && a != "", nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.Operator)
	}
}

// ValidationType is the check applied to captured input.
type ValidationType string

const (
	ValidateNone  ValidationType = "none"
	ValidateEmail ValidationType = "email"
	ValidatePhone ValidationType = "phone"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")
)

// Accept validates a reply and returns the value to store.
func (v ValidationType) Accept(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	switch v {
	case ValidateEmail:
		email := strings.ToLower(input)
		return email, emailPattern.MatchString(email)
	case ValidatePhone:
		phone := phoneNoise.Replace(input)
		return phone, phonePattern.MatchString(phone)
	default:
		return input, true
	}
}
