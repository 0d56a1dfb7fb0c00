// Package flagdoc defines the wire representation of a feature flag and
// converts it into the evaluation model in [core].
//
// The document layout follows the Microsoft FeatureManagement schema:
//
//	{"id": "NewFeature", "enabled": true,
//	 "conditions": {"requirement_type": "Any",
//	   "client_filters": [{"name": "Microsoft.Percentage", "parameters": {"Value": 50}}]}}
//
// Filter names are matched case-insensitively with or without the
// "Microsoft." prefix, as are parameter keys.
package flagdoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
)

const (
	FilterPercentage = "Microsoft.Percentage"
	FilterTargeting  = "Microsoft.Targeting"
	FilterTimeWindow = "Microsoft.TimeWindow"
	FilterExpression = "Expression"
)

// ErrUnparsablePayload is returned when a payload cannot be split into
// documents at all.
var ErrUnparsablePayload = errors.New("unparsable flag payload")

// ErrNoValidDocuments is returned by ParseAll when a non-empty payload yields
// no usable document.
var ErrNoValidDocuments = errors.New("no valid flag documents")

type Document struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Conditions  Conditions `json:"conditions" yaml:"conditions"`
}

type Conditions struct {
	RequirementType string   `json:"requirement_type,omitempty" yaml:"requirement_type,omitempty"`
	ClientFilters   []Filter `json:"client_filters,omitempty" yaml:"client_filters,omitempty"`
}

type Filter struct {
	Name       string         `json:"name" yaml:"name"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ParseError describes a single malformed document. Name is empty when the
// document was too broken to read its id.
type ParseError struct {
	Index int
	Name  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("flag document %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("flag document %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DecodePayload splits a JSON payload into raw documents. It accepts a bare
// array, {"feature_flags": [...]} and
// {"feature_management": {"feature_flags": [...]}}.
func DecodePayload(payload []byte) ([]json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnparsablePayload)
	}

	switch payload[0] {
	case '[':
		var documents []json.RawMessage
		if err := json.Unmarshal(payload, &documents); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparsablePayload, err)
		}
		return documents, nil
	case '{':
		var envelope struct {
			FeatureFlags      *[]json.RawMessage `json:"feature_flags"`
			FeatureManagement *struct {
				FeatureFlags *[]json.RawMessage `json:"feature_flags"`
			} `json:"feature_management"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparsablePayload, err)
		}
		if envelope.FeatureManagement != nil && envelope.FeatureManagement.FeatureFlags != nil {
			return *envelope.FeatureManagement.FeatureFlags, nil
		}
		if envelope.FeatureFlags != nil {
			return *envelope.FeatureFlags, nil
		}
		return nil, fmt.Errorf("%w: missing feature_flags", ErrUnparsablePayload)
	default:
		return nil, fmt.Errorf("%w: unexpected leading %q", ErrUnparsablePayload, payload[0])
	}
}

// ParseAll parses every raw document. Malformed documents and repeated names
// are reported as *ParseError and left out; the first occurrence of a name
// wins. ErrNoValidDocuments is returned only when documents is non-empty and
// nothing survived.
func ParseAll(documents []json.RawMessage) ([]core.Flag, []error, error) {
	flags := make([]core.Flag, 0, len(documents))
	seen := make(map[string]struct{}, len(documents))
	var skipped []error

	for idx, raw := range documents {
		flag, err := Parse(raw)
		if err != nil {
			skipped = append(skipped, withIndex(err, idx))
			continue
		}
		if _, dup := seen[flag.Name]; dup {
			skipped = append(skipped, &ParseError{Index: idx, Name: flag.Name, Err: errors.New("duplicate flag name")})
			continue
		}
		seen[flag.Name] = struct{}{}
		flags = append(flags, flag)
	}

	if len(documents) > 0 && len(flags) == 0 {
		return nil, skipped, fmt.Errorf("%w: %d of %d documents malformed", ErrNoValidDocuments, len(skipped), len(documents))
	}

	return flags, skipped, nil
}

// Parse converts one raw JSON document into a [core.Flag].
func Parse(raw json.RawMessage) (core.Flag, error) {
	var document Document
	if err := json.Unmarshal(raw, &document); err != nil {
		return core.Flag{}, &ParseError{Err: err}
	}
	return ToFlag(document)
}

// ToFlag validates document and builds its rules.
func ToFlag(document Document) (core.Flag, error) {
	name := strings.TrimSpace(document.ID)
	if name == "" {
		return core.Flag{}, &ParseError{Err: errors.New("id is required")}
	}

	requirement, err := parseRequirement(document.Conditions.RequirementType)
	if err != nil {
		return core.Flag{}, &ParseError{Name: name, Err: err}
	}

	rules := make([]core.Rule, 0, len(document.Conditions.ClientFilters))
	for idx, filter := range document.Conditions.ClientFilters {
		rule, err := parseFilter(filter)
		if err != nil {
			return core.Flag{}, &ParseError{Name: name, Err: fmt.Errorf("client_filters[%d]: %w", idx, err)}
		}
		rules = append(rules, rule)
	}

	return core.Flag{
		Name:        name,
		Description: document.Description,
		Enabled:     document.Enabled,
		Requirement: requirement,
		Rules:       rules,
	}, nil
}

func withIndex(err error, idx int) error {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		parseErr.Index = idx
		return parseErr
	}
	return &ParseError{Index: idx, Err: err}
}

func parseRequirement(value string) (core.RequirementType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "any":
		return core.RequirementAny, nil
	case "all":
		return core.RequirementAll, nil
	default:
		return "", fmt.Errorf("unknown requirement_type %q", value)
	}
}

func parseFilter(filter Filter) (core.Rule, error) {
	if err := checkKeys(filter.Parameters, "parameters"); err != nil {
		return nil, err
	}
	params := parameters(filter.Parameters)

	switch filterKind(filter.Name) {
	case core.RuleKindPercentage:
		percentage, err := params.percentage("Value", true)
		if err != nil {
			return nil, err
		}
		contextKey, _ := params.string("ContextKey")
		return core.PercentageFilter{Percentage: percentage, ContextKey: contextKey}, nil
	case core.RuleKindTargeting:
		return parseTargeting(params)
	case core.RuleKindTimeWindow:
		return parseTimeWindow(params)
	case core.RuleKindExpression:
		expression, _ := params.string("Expression")
		return core.NewExpressionFilter(expression)
	default:
		return nil, fmt.Errorf("unknown filter %q", filter.Name)
	}
}

func filterKind(name string) core.RuleKind {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "microsoft.")

	switch name {
	case "percentage":
		return core.RuleKindPercentage
	case "targeting":
		return core.RuleKindTargeting
	case "timewindow", "time_window":
		return core.RuleKindTimeWindow
	case "expression":
		return core.RuleKindExpression
	default:
		return ""
	}
}

func parseTargeting(params parameters) (core.Rule, error) {
	audience, ok := params.object("Audience")
	if !ok {
		return nil, errors.New("targeting filter requires Audience")
	}

	users, err := audience.strings("Users")
	if err != nil {
		return nil, err
	}

	defaultRollout, err := audience.percentage("DefaultRolloutPercentage", false)
	if err != nil {
		return nil, err
	}

	filter := core.TargetingFilter{
		Users:                    users,
		DefaultRolloutPercentage: defaultRollout,
	}

	groups, err := audience.list("Groups")
	if err != nil {
		return nil, err
	}
	for idx, item := range groups {
		group, ok := asParameters(item)
		if !ok {
			return nil, fmt.Errorf("Groups[%d] must be an object", idx)
		}
		name, ok := group.string("Name")
		if !ok {
			return nil, fmt.Errorf("Groups[%d].Name is required", idx)
		}
		rollout, err := group.percentage("RolloutPercentage", false)
		if err != nil {
			return nil, fmt.Errorf("Groups[%d]: %w", idx, err)
		}
		filter.Groups = append(filter.Groups, core.GroupRollout{Name: name, RolloutPercentage: rollout})
	}

	if exclusion, ok := audience.object("Exclusion"); ok {
		if filter.ExcludedUsers, err = exclusion.strings("Users"); err != nil {
			return nil, fmt.Errorf("Exclusion: %w", err)
		}
		if filter.ExcludedGroups, err = exclusion.strings("Groups"); err != nil {
			return nil, fmt.Errorf("Exclusion: %w", err)
		}
	}

	return filter, nil
}

func parseTimeWindow(params parameters) (core.Rule, error) {
	start, err := params.time("Start")
	if err != nil {
		return nil, err
	}
	end, err := params.time("End")
	if err != nil {
		return nil, err
	}

	if start == nil && end == nil {
		return nil, errors.New("time window requires Start or End")
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, errors.New("time window Start must be before End")
	}

	return core.TimeWindowFilter{Start: start, End: end}, nil
}

var timeLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC3339Nano,
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", value)
}
