package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
)

// maxExpressionLength is the maximum allowed length for filter expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit for a single evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single filter evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Filter evaluates a CEL predicate against audit events. Events for
// which the predicate returns false are dropped before they reach the
// store. Evaluation failures keep the event.
type Filter struct {
	prg    cel.Program
	logger *slog.Logger
}

// newFilterEnv creates the CEL environment for audit filter expressions.
func newFilterEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("remote_ip", cel.StringType),
		cel.Variable("listener", cel.StringType),
		cel.Variable("detail", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewFilter compiles a filter expression. The expression must be a
// boolean CEL predicate over the event, session_id, remote_ip,
// listener, and detail variables.
func NewFilter(expression string, logger *slog.Logger) (*Filter, error) {
	if expression == "" {
		return nil, errors.New("filter expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("filter expression too long: %d characters (max %d)",
			len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := newFilterEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return &Filter{prg: prg, logger: logger}, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Keep reports whether the event passes the filter. Evaluation errors
// keep the event so a bad expression never silences the audit trail.
func (f *Filter) Keep(e audit.Event) bool {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}

	activation := map[string]any{
		"event":      string(e.Kind),
		"session_id": e.SessionID,
		"remote_ip":  e.RemoteIP,
		"listener":   e.Listener,
		"detail":     detail,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := f.prg.ContextEval(ctx, activation)
	if err != nil {
		f.logger.Warn("audit filter evaluation failed, keeping event",
			"event", e.Kind, "error", err)
		return true
	}

	keep, ok := result.Value().(bool)
	if !ok {
		f.logger.Warn("audit filter returned non-boolean, keeping event",
			"event", e.Kind, "got", fmt.Sprintf("%T", result.Value()))
		return true
	}

	return keep
}
