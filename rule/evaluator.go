package rule

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
)

// Evaluator evaluates rule trees. Parsed trees and compiled regular
// expressions are cached. Safe for concurrent use.
type Evaluator struct {
	operators map[string]OperatorFunc
	trees     cache.Cache[*Node]
	regexes   cache.Cache[*regexp.Regexp]
}

// NewEvaluator creates an evaluator with the full operator set. registry may
// be nil.
func NewEvaluator(registry *metric.MetricsRegistry) (*Evaluator, error) {
	trees, err := cache.NewLRU[*Node](1024, cache.WithMetrics[*Node](registry, "rule_trees"))
	if err != nil {
		return nil, errors.Wrap(err, "Evaluator", "NewEvaluator", "tree cache")
	}
	regexes, err := cache.NewLRU[*regexp.Regexp](256, cache.WithMetrics[*regexp.Regexp](registry, "rule_regex"))
	if err != nil {
		return nil, errors.Wrap(err, "Evaluator", "NewEvaluator", "regex cache")
	}

	e := &Evaluator{
		operators: make(map[string]OperatorFunc),
		trees:     trees,
		regexes:   regexes,
	}
	e.registerDefaults()
	return e, nil
}

// Register adds or replaces an operator under each given name.
func (e *Evaluator) Register(fn OperatorFunc, names ...string) {
	for _, name := range names {
		e.operators[name] = fn
	}
}

// Evaluate parses raw and evaluates it against ctx. Empty, null and {} trees
// are true.
func (e *Evaluator) Evaluate(raw json.RawMessage, ctx map[string]any) (bool, error) {
	node, err := e.parse(raw)
	if err != nil {
		return false, err
	}
	if node == nil {
		return true, nil
	}
	return e.EvaluateNode(node, ctx)
}

func (e *Evaluator) parse(raw json.RawMessage) (*Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}

	sum := sha256.Sum256(trimmed)
	key := hex.EncodeToString(sum[:])
	if node, ok := e.trees.Get(key); ok {
		return node, nil
	}

	var node Node
	if err := json.Unmarshal(trimmed, &node); err != nil {
		return nil, errors.WrapInvalid(err, "Evaluator", "Evaluate", "decode rule tree")
	}
	_, _ = e.trees.Set(key, &node)
	return &node, nil
}

// EvaluateNode evaluates a parsed tree.
func (e *Evaluator) EvaluateNode(node *Node, ctx map[string]any) (bool, error) {
	if node == nil {
		return true, nil
	}

	var result bool
	var err error
	if node.IsGroup() {
		result, err = e.evaluateGroup(node, ctx)
	} else {
		result, err = e.evaluateLeaf(node, ctx)
	}
	if err != nil {
		return false, err
	}
	if node.Not {
		return !result, nil
	}
	return result, nil
}

func (e *Evaluator) evaluateGroup(node *Node, ctx map[string]any) (bool, error) {
	if len(node.Rules) == 0 {
		return true, nil
	}

	switch strings.ToUpper(node.Condition) {
	case LogicAnd, "":
		for i := range node.Rules {
			ok, err := e.EvaluateNode(&node.Rules[i], ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case LogicOr:
		var firstErr error
		for i := range node.Rules {
			ok, err := e.EvaluateNode(&node.Rules[i], ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr

	default:
		return false, &EvaluationError{Message: fmt.Sprintf("unsupported condition %q", node.Condition)}
	}
}

func (e *Evaluator) evaluateLeaf(node *Node, ctx map[string]any) (bool, error) {
	path := node.path()
	if path == "" {
		return false, &EvaluationError{Operator: node.Operator, Message: "rule has no field"}
	}

	opFunc, ok := e.operators[strings.ToLower(node.Operator)]
	if !ok {
		return false, &EvaluationError{Field: path, Operator: node.Operator, Message: "unsupported operator"}
	}

	value, present := dotpath.Get(ctx, path)
	result, err := opFunc(value, present, node.Value)
	if err != nil {
		return false, &EvaluationError{Field: path, Operator: node.Operator, Message: "operator failed", Err: err}
	}
	return result, nil
}
