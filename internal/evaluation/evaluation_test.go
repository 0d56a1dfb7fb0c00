package evaluation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
	"github.com/matt-riley/flaggate/internal/store"
)

func newStore(t *testing.T, flags ...core.Flag) *store.Store {
	t.Helper()

	flagStore := store.New()
	if err := flagStore.Publish(store.NewSnapshot(1, time.Now(), flags)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	return flagStore
}

func TestEvaluateNewFeatureScenarios(t *testing.T) {
	tests := []struct {
		name    string
		flags   []core.Flag
		policy  UnknownFlagPolicy
		want    bool
		wantErr error
	}{
		{
			name:  "enabled without rules",
			flags: []core.Flag{{Name: "NewFeature", Enabled: true}},
			want:  true,
		},
		{
			name:  "disabled",
			flags: []core.Flag{{Name: "NewFeature", Enabled: false}},
			want:  false,
		},
		{
			name: "kill switch beats matching rules",
			flags: []core.Flag{{
				Name:    "NewFeature",
				Enabled: false,
				Rules:   []core.Rule{core.PercentageFilter{Percentage: 100}},
			}},
			want: false,
		},
		{
			name:   "absent treated as disabled",
			policy: PolicyTreatAsDisabled,
			want:   false,
		},
		{
			name:    "absent propagates error",
			policy:  PolicyPropagateError,
			want:    false,
			wantErr: ErrUnknownFlag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evaluator := New(newStore(t, tt.flags...), WithPolicy(tt.policy))

			got, err := evaluator.Evaluate("NewFeature", core.EvaluationContext{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Evaluate() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Evaluate() = %t, want %t", got, tt.want)
			}
			if evaluator.IsEnabled("NewFeature", core.EvaluationContext{}) != tt.want {
				t.Fatalf("IsEnabled() != %t", tt.want)
			}
		})
	}
}

func TestUnknownFlagErrorDetails(t *testing.T) {
	evaluator := New(newStore(t), WithPolicy(PolicyPropagateError))

	_, err := evaluator.Evaluate("Missing", core.EvaluationContext{})
	var unknown *UnknownFlagError
	if !errors.As(err, &unknown) {
		t.Fatalf("Evaluate() error = %v, want *UnknownFlagError", err)
	}
	if unknown.Name != "Missing" || unknown.Version != 1 {
		t.Fatalf("UnknownFlagError = %+v", unknown)
	}
}

func TestEvaluateUsesClockForTimeWindows(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	flagStore := newStore(t, core.Flag{
		Name:    "Launch",
		Enabled: true,
		Rules:   []core.Rule{core.TimeWindowFilter{Start: &start, End: &end}},
	})

	inside := New(flagStore, WithClock(func() time.Time { return start.Add(time.Hour) }))
	if !inside.IsEnabled("Launch", core.EvaluationContext{}) {
		t.Fatal("IsEnabled() = false inside the window")
	}

	outside := New(flagStore, WithClock(func() time.Time { return end }))
	if outside.IsEnabled("Launch", core.EvaluationContext{}) {
		t.Fatal("IsEnabled() = true at the exclusive end")
	}

	ctx := core.EvaluationContext{Attributes: map[string]any{core.AttributeRequestTime: start}}
	if !outside.IsEnabled("Launch", ctx) {
		t.Fatal("IsEnabled() ignored requestTime from the context")
	}
}

func TestEvaluateAll(t *testing.T) {
	evaluator := New(newStore(t,
		core.Flag{Name: "a", Enabled: true},
		core.Flag{Name: "b", Enabled: false},
		core.Flag{
			Name:    "c",
			Enabled: true,
			Rules:   []core.Rule{core.TargetingFilter{Users: []string{"alice"}}},
		},
	))

	got := evaluator.EvaluateAll(core.EvaluationContext{Attributes: map[string]any{core.AttributeUserID: "alice"}})
	want := map[string]bool{"a": true, "b": false, "c": true}
	if len(got) != len(want) {
		t.Fatalf("EvaluateAll() = %v, want %v", got, want)
	}
	for name, value := range want {
		if got[name] != value {
			t.Fatalf("EvaluateAll()[%q] = %t, want %t", name, got[name], value)
		}
	}
}

type recorder struct {
	mu      sync.Mutex
	results map[string]bool
	errors  int
}

func (r *recorder) RecordEvaluation(flag string, enabled bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]bool)
	}
	r.results[flag] = enabled
	if err != nil {
		r.errors++
	}
}

func TestRecorderSeesEveryEvaluation(t *testing.T) {
	rec := &recorder{}
	evaluator := New(newStore(t, core.Flag{Name: "NewFeature", Enabled: true}),
		WithPolicy(PolicyPropagateError),
		WithRecorder(rec),
	)

	evaluator.IsEnabled("NewFeature", core.EvaluationContext{})
	evaluator.IsEnabled("Missing", core.EvaluationContext{})

	if !rec.results["NewFeature"] {
		t.Fatal("recorder did not see NewFeature=true")
	}
	if enabled, ok := rec.results["Missing"]; !ok || enabled {
		t.Fatalf("recorder Missing = %t, %t", enabled, ok)
	}
	if rec.errors != 1 {
		t.Fatalf("recorder errors = %d, want 1", rec.errors)
	}
}

func TestRecorderSeesUnknownFlagUnderTreatAsDisabled(t *testing.T) {
	rec := &recorder{}
	evaluator := New(newStore(t, core.Flag{Name: "NewFeature", Enabled: true}), WithRecorder(rec))

	enabled, err := evaluator.Evaluate("Missing", core.EvaluationContext{})
	if err != nil || enabled {
		t.Fatalf("Evaluate(Missing) = %t, %v; want false, nil", enabled, err)
	}
	if rec.errors != 1 {
		t.Fatalf("recorder errors = %d, want the unknown flag reported", rec.errors)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    UnknownFlagPolicy
		wantErr bool
	}{
		{input: "", want: PolicyTreatAsDisabled},
		{input: "treatAsDisabled", want: PolicyTreatAsDisabled},
		{input: " PROPAGATEERROR ", want: PolicyPropagateError},
		{input: "propagate_error", want: PolicyPropagateError},
		{input: "explode", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %t", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("ParsePolicy(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEvaluateDuringPublish(t *testing.T) {
	flagStore := store.New()
	evaluator := New(flagStore)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					evaluator.EvaluateAll(core.EvaluationContext{})
					evaluator.IsEnabled("NewFeature", core.EvaluationContext{})
				}
			}
		}()
	}

	for version := uint64(1); version <= 200; version++ {
		flags := []core.Flag{{Name: "NewFeature", Enabled: version%2 == 0}}
		if err := flagStore.Publish(store.NewSnapshot(version, time.Now(), flags)); err != nil {
			t.Fatalf("Publish(%d) error = %v", version, err)
		}
	}
	close(done)
	wg.Wait()

	if !evaluator.IsEnabled("NewFeature", core.EvaluationContext{}) {
		t.Fatal("IsEnabled() = false after final even version")
	}
}
