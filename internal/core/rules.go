package core

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// PercentageFilter enables a flag for a stable fraction of context keys.
type PercentageFilter struct {
	Percentage float64
	// ContextKey names the attribute that is bucketed. Defaults to userId.
	ContextKey string
}

func (PercentageFilter) Kind() RuleKind { return RuleKindPercentage }

func (f PercentageFilter) Match(flagName string, context EvaluationContext, _ time.Time) bool {
	key := f.ContextKey
	if key == "" {
		key = AttributeUserID
	}

	value, ok := context.String(key)
	if !ok {
		return false
	}

	return inRollout(flagName, value, f.Percentage)
}

func (PercentageFilter) rule() {}

type GroupRollout struct {
	Name              string
	RolloutPercentage float64
}

// TargetingFilter enables a flag for an explicit audience and falls back to a
// percentage rollout for everybody else.
type TargetingFilter struct {
	Users                    []string
	Groups                   []GroupRollout
	ExcludedUsers            []string
	ExcludedGroups           []string
	DefaultRolloutPercentage float64
}

func (TargetingFilter) Kind() RuleKind { return RuleKindTargeting }

func (f TargetingFilter) Match(flagName string, context EvaluationContext, _ time.Time) bool {
	userID, hasUser := context.String(AttributeUserID)
	groups := context.Strings(AttributeGroups)
	if !hasUser && len(groups) == 0 {
		return false
	}

	if hasUser && slices.Contains(f.ExcludedUsers, userID) {
		return false
	}
	for _, group := range groups {
		if slices.Contains(f.ExcludedGroups, group) {
			return false
		}
	}

	if hasUser && slices.Contains(f.Users, userID) {
		return true
	}

	for _, rollout := range f.Groups {
		if !slices.Contains(groups, rollout.Name) {
			continue
		}
		if inRollout(flagName+"\x00"+rollout.Name, userID, rollout.RolloutPercentage) {
			return true
		}
	}

	if !hasUser {
		return false
	}
	return inRollout(flagName, userID, f.DefaultRolloutPercentage)
}

func (TargetingFilter) rule() {}

// TimeWindowFilter enables a flag inside [Start, End). A nil bound is open.
type TimeWindowFilter struct {
	Start *time.Time
	End   *time.Time
}

func (TimeWindowFilter) Kind() RuleKind { return RuleKindTimeWindow }

func (f TimeWindowFilter) Match(_ string, context EvaluationContext, now time.Time) bool {
	if requestTime, ok := context.RequestTime(); ok {
		now = requestTime
	}

	if f.Start != nil && now.Before(*f.Start) {
		return false
	}
	if f.End != nil && !now.Before(*f.End) {
		return false
	}
	return true
}

func (TimeWindowFilter) rule() {}

// ExpressionFilter enables a flag when a boolean expr-lang expression over the
// context attributes evaluates to true.
type ExpressionFilter struct {
	Expression string
	program    *vm.Program
}

// NewExpressionFilter compiles expression. Unknown identifiers resolve to nil
// at run time rather than failing compilation.
func NewExpressionFilter(expression string) (ExpressionFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return ExpressionFilter{}, fmt.Errorf("expression must not be empty")
	}

	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return ExpressionFilter{}, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	return ExpressionFilter{Expression: expression, program: program}, nil
}

func (ExpressionFilter) Kind() RuleKind { return RuleKindExpression }

func (f ExpressionFilter) Match(_ string, context EvaluationContext, _ time.Time) bool {
	if f.program == nil {
		return false
	}

	env := make(map[string]any, len(context.Attributes))
	for key, value := range context.Attributes {
		env[key] = value
	}

	result, err := expr.Run(f.program, env)
	if err != nil {
		return false
	}

	matched, ok := result.(bool)
	return ok && matched
}

func (ExpressionFilter) rule() {}
