package core

import (
	"strconv"
	"strings"
	"time"
)

// Well-known evaluation context attributes.
const (
	AttributeUserID      = "userId"
	AttributeGroups      = "groups"
	AttributeRequestTime = "requestTime"
)

type RequirementType string

const (
	RequirementAny RequirementType = "any"
	RequirementAll RequirementType = "all"
)

type RuleKind string

const (
	RuleKindPercentage RuleKind = "percentage"
	RuleKindTargeting  RuleKind = "targeting"
	RuleKindTimeWindow RuleKind = "time_window"
	RuleKindExpression RuleKind = "expression"
)

// Rule is a single filter attached to a flag. The set of implementations is
// closed: every variant lives in this package.
type Rule interface {
	Kind() RuleKind
	Match(flagName string, context EvaluationContext, now time.Time) bool
	rule()
}

type Flag struct {
	Name        string
	Description string
	Enabled     bool
	Requirement RequirementType
	Rules       []Rule
}

type EvaluationContext struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Value returns the raw attribute stored under key.
func (c EvaluationContext) Value(key string) (any, bool) {
	if c.Attributes == nil {
		return nil, false
	}
	value, ok := c.Attributes[key]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// String returns the attribute under key rendered as a string. Numbers are
// formatted without exponent so that 42 and 42.0 bucket identically.
func (c EvaluationContext) String(key string) (string, bool) {
	value, ok := c.Value(key)
	if !ok {
		return "", false
	}
	return stringValue(value)
}

// Strings returns the attribute under key as a list of strings. A single
// string is treated as a one-element list.
func (c EvaluationContext) Strings(key string) []string {
	value, ok := c.Value(key)
	if !ok {
		return nil
	}

	switch values := value.(type) {
	case []string:
		return values
	case []any:
		out := make([]string, 0, len(values))
		for _, item := range values {
			if s, ok := stringValue(item); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := stringValue(value); ok {
			return []string{s}
		}
		return nil
	}
}

// RequestTime returns the caller-supplied evaluation time, if any.
func (c EvaluationContext) RequestTime() (time.Time, bool) {
	value, ok := c.Value(AttributeRequestTime)
	if !ok {
		return time.Time{}, false
	}

	switch t := value.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func stringValue(value any) (string, bool) {
	if s, ok := value.(string); ok {
		return s, s != ""
	}
	if i, ok := asInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := asUint64(value); ok {
		return strconv.FormatUint(u, 10), true
	}
	if f, ok := asFloat64(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}
