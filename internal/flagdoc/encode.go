package flagdoc

import (
	"strings"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
)

// FromFlag renders flag back into its wire form.
func FromFlag(flag core.Flag) Document {
	document := Document{
		ID:          flag.Name,
		Description: flag.Description,
		Enabled:     flag.Enabled,
	}

	if len(flag.Rules) == 0 {
		return document
	}

	requirement := "Any"
	if flag.Requirement == core.RequirementAll {
		requirement = "All"
	}
	document.Conditions.RequirementType = requirement

	for _, rule := range flag.Rules {
		if filter, ok := fromRule(rule); ok {
			document.Conditions.ClientFilters = append(document.Conditions.ClientFilters, filter)
		}
	}

	return document
}

func fromRule(rule core.Rule) (Filter, bool) {
	switch r := rule.(type) {
	case core.PercentageFilter:
		params := map[string]any{"Value": r.Percentage}
		if r.ContextKey != "" {
			params["ContextKey"] = r.ContextKey
		}
		return Filter{Name: FilterPercentage, Parameters: params}, true
	case core.TargetingFilter:
		groups := make([]any, 0, len(r.Groups))
		for _, group := range r.Groups {
			groups = append(groups, map[string]any{
				"Name":              group.Name,
				"RolloutPercentage": group.RolloutPercentage,
			})
		}
		audience := map[string]any{
			"Users":                    stringList(r.Users),
			"Groups":                   groups,
			"DefaultRolloutPercentage": r.DefaultRolloutPercentage,
		}
		if len(r.ExcludedUsers) > 0 || len(r.ExcludedGroups) > 0 {
			audience["Exclusion"] = map[string]any{
				"Users":  stringList(r.ExcludedUsers),
				"Groups": stringList(r.ExcludedGroups),
			}
		}
		return Filter{Name: FilterTargeting, Parameters: map[string]any{"Audience": audience}}, true
	case core.TimeWindowFilter:
		params := map[string]any{}
		if r.Start != nil {
			params["Start"] = r.Start.UTC().Format(time.RFC3339)
		}
		if r.End != nil {
			params["End"] = r.End.UTC().Format(time.RFC3339)
		}
		return Filter{Name: FilterTimeWindow, Parameters: params}, true
	case core.ExpressionFilter:
		return Filter{Name: FilterExpression, Parameters: map[string]any{"Expression": strings.TrimSpace(r.Expression)}}, true
	default:
		return Filter{}, false
	}
}

func stringList(values []string) []any {
	out := make([]any, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	return out
}
