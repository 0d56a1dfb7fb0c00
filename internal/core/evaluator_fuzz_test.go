package core

import (
	"math"
	"testing"
	"time"
)

func FuzzPercentageMonotonic(f *testing.F) {
	f.Add("NewFeature", "alice", 10.0, 20.0)
	f.Add("", "", 0.0, 100.0)
	f.Add("beta", "9007199254740993", 99.99, 100.0)

	f.Fuzz(func(t *testing.T, flagName, userID string, low, high float64) {
		if math.IsNaN(low) || math.IsNaN(high) {
			t.Skip()
		}
		if low > high {
			low, high = high, low
		}

		context := EvaluationContext{Attributes: map[string]any{"userId": userID}}
		lowMatch := PercentageFilter{Percentage: low}.Match(flagName, context, time.Time{})
		highMatch := PercentageFilter{Percentage: high}.Match(flagName, context, time.Time{})
		if lowMatch && !highMatch {
			t.Fatalf("raising %v%% to %v%% disabled %q for %q", low, high, userID, flagName)
		}

		if lowMatch != (PercentageFilter{Percentage: low}).Match(flagName, context, time.Time{}) {
			t.Fatalf("percentage match for %q is not deterministic", userID)
		}
	})
}

func FuzzEvaluateKillSwitch(f *testing.F) {
	f.Add("NewFeature", "alice", 50.0, true)
	f.Add("", "", 100.0, false)

	f.Fuzz(func(t *testing.T, flagName, userID string, percentage float64, all bool) {
		requirement := RequirementAny
		if all {
			requirement = RequirementAll
		}

		flag := Flag{
			Name:        flagName,
			Requirement: requirement,
			Rules: []Rule{
				PercentageFilter{Percentage: percentage},
				TargetingFilter{Users: []string{userID}, DefaultRolloutPercentage: percentage},
				TimeWindowFilter{},
			},
		}
		context := EvaluationContext{Attributes: map[string]any{"userId": userID}}

		if EvaluateFlag(flag, context) {
			t.Fatalf("disabled flag %q evaluated true", flagName)
		}

		flag.Enabled = true
		_ = EvaluateFlag(flag, context)
	})
}
