package flagdoc

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

type parameters map[string]any

func asParameters(value any) (parameters, bool) {
	object, ok := value.(map[string]any)
	return parameters(object), ok
}

// checkKeys rejects objects, at any depth, holding keys that differ only in
// case, so that lookup has at most one candidate for a name.
func checkKeys(value any, path string) error {
	switch v := value.(type) {
	case map[string]any:
		seen := make(map[string]string, len(v))
		for key, child := range v {
			folded := strings.ToLower(key)
			if other, dup := seen[folded]; dup {
				pair := []string{key, other}
				slices.Sort(pair)
				return fmt.Errorf("%s: keys %q and %q differ only in case", path, pair[0], pair[1])
			}
			seen[folded] = key
			if err := checkKeys(child, path+"."+key); err != nil {
				return err
			}
		}
	case []any:
		for idx, child := range v {
			if err := checkKeys(child, fmt.Sprintf("%s[%d]", path, idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookup prefers an exact match and falls back to the single key equal to
// key under case folding.
func (p parameters) lookup(key string) (any, bool) {
	if value, ok := p[key]; ok {
		return value, true
	}
	for candidate, value := range p {
		if strings.EqualFold(candidate, key) {
			return value, true
		}
	}
	return nil, false
}

func (p parameters) string(key string) (string, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func (p parameters) object(key string) (parameters, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return nil, false
	}
	return asParameters(value)
}

func (p parameters) list(key string) ([]any, error) {
	value, ok := p.lookup(key)
	if !ok || value == nil {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", key)
	}
	return items, nil
}

func (p parameters) strings(key string) ([]string, error) {
	items, err := p.list(key)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(items))
	for idx, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, idx)
		}
		out = append(out, s)
	}
	return out, nil
}

// percentage reads a number in [0, 100]. Numeric strings are accepted since
// some configuration stores only hold string values.
func (p parameters) percentage(key string, required bool) (float64, error) {
	value, ok := p.lookup(key)
	if !ok || value == nil {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return 0, nil
	}

	var number float64
	switch v := value.(type) {
	case float64:
		number = v
	case int:
		number = float64(v)
	case int64:
		number = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number: %w", key, err)
		}
		number = parsed
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}

	if math.IsNaN(number) || number < 0 || number > 100 {
		return 0, fmt.Errorf("%s must be between 0 and 100, got %v", key, number)
	}
	return number, nil
}

func (p parameters) time(key string) (*time.Time, error) {
	value, ok := p.lookup(key)
	if !ok || value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%s must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &parsed, nil
}
