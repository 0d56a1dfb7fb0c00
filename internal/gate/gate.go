// Package gate runs operations only while a flag allows them.
//
// A denied call never reaches the protected operation. The configured
// DeniedHandler decides what the caller sees instead, and the HTTP middleware
// and gRPC interceptor translate that into their transport.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/matt-riley/flaggate/internal/core"
)

const (
	StatusForbidden      = "forbidden"
	DefaultDeniedMessage = "This feature is currently disabled."
)

// ErrDeniedHandler wraps every failure of a DeniedHandler.
var ErrDeniedHandler = errors.New("denied handler failed")

// Evaluator is the part of evaluation.Evaluator a gate needs.
type Evaluator interface {
	Evaluate(name string, context core.EvaluationContext) (bool, error)
}

// Denial describes why an operation was not run. Err is set when the flag
// could not be evaluated.
type Denial struct {
	Flag    string
	Context core.EvaluationContext
	Err     error
}

// DeniedHandler produces the caller-visible result of a denied operation.
type DeniedHandler[R any] func(ctx context.Context, denial Denial) (R, error)

// Response is the standard body returned for a denied request.
type Response struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Feature string `json:"feature"`
}

// DeniedResponse returns the standard 403 body for flag.
func DeniedResponse(flag string) Response {
	return Response{
		Status:  StatusForbidden,
		Code:    403,
		Message: DefaultDeniedMessage,
		Feature: flag,
	}
}

// DefaultDeniedHandler answers every denial with DeniedResponse.
func DefaultDeniedHandler(_ context.Context, denial Denial) (Response, error) {
	return DeniedResponse(denial.Flag), nil
}

type Option func(*config)

type config struct {
	onDeny func(flag string)
}

// WithOnDeny registers a callback invoked once per denied call.
func WithOnDeny(fn func(flag string)) Option {
	return func(c *config) { c.onDeny = fn }
}

type Gate[R any] struct {
	evaluator Evaluator
	denied    DeniedHandler[R]
	onDeny    func(flag string)
}

func New[R any](evaluator Evaluator, denied DeniedHandler[R], opts ...Option) *Gate[R] {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}
	return &Gate[R]{
		evaluator: evaluator,
		denied:    denied,
		onDeny:    cfg.onDeny,
	}
}

// Guard runs op only if flag evaluates to true for evalCtx. Otherwise the
// denied handler runs exactly once and its result is returned unchanged. An
// evaluation error counts as a denial.
func (g *Gate[R]) Guard(ctx context.Context, flag string, evalCtx core.EvaluationContext, op func(context.Context) (R, error)) (R, error) {
	var enabled bool
	var err error
	if g.evaluator == nil {
		err = errors.New("evaluator is nil")
	} else {
		enabled, err = g.evaluator.Evaluate(flag, evalCtx)
	}
	if err == nil && enabled {
		return op(ctx)
	}

	if g.onDeny != nil {
		g.onDeny(flag)
	}

	var zero R
	if g.denied == nil {
		return zero, fmt.Errorf("%w: no handler for flag %q", ErrDeniedHandler, flag)
	}
	result, handlerErr := g.denied(ctx, Denial{Flag: flag, Context: evalCtx, Err: err})
	if handlerErr != nil {
		return zero, fmt.Errorf("%w for flag %q: %w", ErrDeniedHandler, flag, handlerErr)
	}
	return result, nil
}
