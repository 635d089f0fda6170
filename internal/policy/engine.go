// ABOUTME: OPA-backed policy engine that decides proof job verdicts
// ABOUTME: Evaluates data.dispatch.proof.verdict against the job input

package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the rule every proof policy must define.
const Query = "data.dispatch.proof.verdict"

// Verdicts returned by the default policy.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// DefaultPolicy passes every proof unless the payload asks to be treated as tampered.
const DefaultPolicy = `
package dispatch.proof

default verdict = "PASS"

verdict = "FAIL" {
	input.payload.tamper == true
}
`

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("proof.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadFile builds an engine from a rego file. An empty path uses DefaultPolicy.
func LoadFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate returns the verdict for input. A policy that yields no value
// or a non-string value is an error.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no verdict")
	}

	val := results[0].Expressions[0].Value
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("policy verdict has type %T, want string", val)
	}
	return s, nil
}
