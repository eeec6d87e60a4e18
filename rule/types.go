// Package rule evaluates connection rule trees against a variable context.
//
// A tree is either a group or a leaf:
//
//	{"condition": "AND", "rules": [
//	    {"field": "message.text", "operator": "equal", "value": "start"},
//	    {"condition": "OR", "rules": [...]}
//	]}
//
// An empty or null tree is always true.
package rule

import (
	"fmt"
	"strings"
)

// Logic operators for groups.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Node is a group (Condition + Rules) or a leaf (Field + Operator + Value).
type Node struct {
	Condition string `json:"condition,omitempty"`
	Not       bool   `json:"not,omitempty"`
	Rules     []Node `json:"rules,omitempty"`

	Field    string `json:"field,omitempty"`
	ID       string `json:"id,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// IsGroup reports whether the node combines sub-rules.
func (n *Node) IsGroup() bool {
	return n.Condition != "" || n.Rules != nil
}

// path returns the context path a leaf reads. Query-builder payloads carry
// it in "field" and sometimes only in "id".
func (n *Node) path() string {
	if n.Field != "" {
		return n.Field
	}
	return n.ID
}

// OperatorFunc compares a context value with the rule value. present is
// false when the field path does not resolve.
type OperatorFunc func(fieldValue any, present bool, ruleValue any) (bool, error)

// EvaluationError describes why a rule could not be evaluated.
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	var b strings.Builder
	b.WriteString("rule evaluation")
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	if e.Operator != "" {
		fmt.Fprintf(&b, " operator %q", e.Operator)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
