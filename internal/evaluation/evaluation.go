// Package evaluation answers flag questions against the store's current
// snapshot.
package evaluation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
	"github.com/matt-riley/flaggate/internal/store"
)

var ErrUnknownFlag = errors.New("unknown flag")

// UnknownFlagError is returned under PolicyPropagateError when the current
// snapshot has no flag with the requested name.
type UnknownFlagError struct {
	Name    string
	Version uint64
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("flag %q not found in snapshot version %d", e.Name, e.Version)
}

func (e *UnknownFlagError) Is(target error) bool {
	return target == ErrUnknownFlag
}

// UnknownFlagPolicy decides what evaluating an absent flag yields.
type UnknownFlagPolicy int

const (
	// PolicyTreatAsDisabled answers false with no error.
	PolicyTreatAsDisabled UnknownFlagPolicy = iota
	// PolicyPropagateError answers false with an *UnknownFlagError.
	PolicyPropagateError
)

func (p UnknownFlagPolicy) String() string {
	switch p {
	case PolicyPropagateError:
		return "propagateError"
	default:
		return "treatAsDisabled"
	}
}

// ParsePolicy accepts "treatAsDisabled" or "propagateError" in any case.
// An empty value selects PolicyTreatAsDisabled.
func ParsePolicy(value string) (UnknownFlagPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "treatasdisabled", "treat_as_disabled":
		return PolicyTreatAsDisabled, nil
	case "propagateerror", "propagate_error":
		return PolicyPropagateError, nil
	default:
		return PolicyTreatAsDisabled, fmt.Errorf("unknown flag policy %q", value)
	}
}

// Recorder observes every evaluation outcome.
type Recorder interface {
	RecordEvaluation(flag string, enabled bool, err error)
}

type Option func(*Evaluator)

func WithPolicy(policy UnknownFlagPolicy) Option {
	return func(e *Evaluator) {
		e.policy = policy
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Evaluator) {
		e.recorder = recorder
	}
}

// WithClock replaces the wall clock used for time windows when the context
// carries no requestTime.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// Evaluator is safe for concurrent use. It never blocks on the refresher.
type Evaluator struct {
	store    *store.Store
	policy   UnknownFlagPolicy
	recorder Recorder
	now      func() time.Time
}

func New(flagStore *store.Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		store: flagStore,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Policy() UnknownFlagPolicy {
	return e.policy
}

// Snapshot returns the snapshot evaluations currently read from.
func (e *Evaluator) Snapshot() *store.Snapshot {
	return e.store.Current()
}

// Evaluate reports whether name is on for context. The recorder always sees
// an UnknownFlagError for a missing flag; the caller only does under
// PolicyPropagateError.
func (e *Evaluator) Evaluate(name string, context core.EvaluationContext) (bool, error) {
	enabled, err := e.evaluate(e.store.Current(), name, context)
	if e.recorder != nil {
		e.recorder.RecordEvaluation(name, enabled, err)
	}
	if err != nil && e.policy == PolicyTreatAsDisabled && errors.Is(err, ErrUnknownFlag) {
		return false, nil
	}
	return enabled, err
}

// IsEnabled is Evaluate with every error read as false.
func (e *Evaluator) IsEnabled(name string, context core.EvaluationContext) bool {
	enabled, err := e.Evaluate(name, context)
	return err == nil && enabled
}

// EvaluateAll evaluates every flag of a single snapshot.
func (e *Evaluator) EvaluateAll(context core.EvaluationContext) map[string]bool {
	snapshot := e.store.Current()
	now := e.now()

	results := make(map[string]bool, snapshot.Len())
	for _, flag := range snapshot.Flags() {
		enabled := core.EvaluateAt(flag, context, now)
		results[flag.Name] = enabled
		if e.recorder != nil {
			e.recorder.RecordEvaluation(flag.Name, enabled, nil)
		}
	}
	return results
}

func (e *Evaluator) evaluate(snapshot *store.Snapshot, name string, context core.EvaluationContext) (bool, error) {
	flag, ok := snapshot.Lookup(name)
	if !ok {
		return false, &UnknownFlagError{Name: name, Version: snapshot.Version()}
	}

	return core.EvaluateAt(flag, context, e.now()), nil
}
