package core

import "time"

// EvaluateFlag evaluates flag against context using the wall clock for any
// time-based rule that the context does not pin with requestTime.
func EvaluateFlag(flag Flag, context EvaluationContext) bool {
	return EvaluateAt(flag, context, time.Now())
}

// EvaluateAt is EvaluateFlag with an explicit fallback clock.
func EvaluateAt(flag Flag, context EvaluationContext, now time.Time) bool {
	if !flag.Enabled {
		return false
	}

	if len(flag.Rules) == 0 {
		return true
	}

	if flag.Requirement == RequirementAll {
		for _, rule := range flag.Rules {
			if !matchRule(rule, flag.Name, context, now) {
				return false
			}
		}
		return true
	}

	for _, rule := range flag.Rules {
		if matchRule(rule, flag.Name, context, now) {
			return true
		}
	}
	return false
}

func EvaluateFlags(flags []Flag, context EvaluationContext) map[string]bool {
	now := time.Now()
	results := make(map[string]bool, len(flags))

	for _, flag := range flags {
		results[flag.Name] = EvaluateAt(flag, context, now)
	}

	return results
}

func matchRule(rule Rule, flagName string, context EvaluationContext, now time.Time) bool {
	if rule == nil {
		return false
	}
	return rule.Match(flagName, context, now)
}
