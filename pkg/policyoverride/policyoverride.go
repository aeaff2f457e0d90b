// Package policyoverride implements the optional CEL policy-override
// extension point (SPEC_FULL.md §4.1.a): an operator-supplied
// expression evaluated after the Authorization Engine's kill-switch,
// validation, rate-limit and NIP-46 authorization checks and before
// the stored-permission lookup, that can force an early Deny. The
// engine computes the risk score before evaluating it, so rules can
// read risk_score. It is strictly advisory-narrowing: it can only turn
// an auto-decide into a Deny, never an Allow, and a compile or eval
// error fails closed (treated as Deny) rather than silently skipping
// the check.
//
// Grounded on the teacher's pkg/governance/policy_evaluator_cel.go
// (compile-on-first-use cached cel.Program, RWMutex-guarded cache,
// cost-limited evaluation).
package policyoverride

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the evaluation context handed to a policy expression.
type Input struct {
	Caller      string
	RequestType string
	EventKind   int32
	IsSensitive bool
	RiskScore   int
}

func (in Input) asMap() map[string]any {
	return map[string]any{
		"caller":       in.Caller,
		"request_type": in.RequestType,
		"event_kind":   in.EventKind,
		"is_sensitive": in.IsSensitive,
		"risk_score":   in.RiskScore,
	}
}

// Engine evaluates a set of deny-if expressions against an Input,
// compiling and caching each one on first use.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
	rules []string // expressions that, if true, force a Deny
}

// New constructs an Engine with the given deny-if rule set. An empty
// rule set is a legitimate "no override configured" engine.
func New(rules []string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("request_type", cel.StringType),
		cel.Variable("event_kind", cel.IntType),
		cel.Variable("is_sensitive", cel.BoolType),
		cel.Variable("risk_score", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policyoverride: new env: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program), rules: rules}, nil
}

// ShouldDeny reports whether any configured rule matches in, along
// with the matching rule for audit attribution. A compile/eval error
// on any rule fails closed: ShouldDeny returns true so the engine
// denies the request rather than silently bypassing the override.
func (e *Engine) ShouldDeny(in Input) (bool, string, error) {
	input := in.asMap()
	for _, rule := range e.rules {
		prg, err := e.program(rule)
		if err != nil {
			return true, rule, fmt.Errorf("policyoverride: compile %q: %w", rule, err)
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return true, rule, fmt.Errorf("policyoverride: eval %q: %w", rule, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return true, rule, fmt.Errorf("policyoverride: rule %q did not evaluate to bool", rule)
		}
		if matched {
			return true, rule, nil
		}
	}
	return false, "", nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, err
	}
	e.cache[expr] = prg
	return prg, nil
}
