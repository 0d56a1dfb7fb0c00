// Package fetch defines the boundary to the remote flag source and ships the
// HTTP and file implementations. The PostgreSQL source lives in
// internal/repository.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
)

// Fetcher retrieves the full current set of raw flag documents. The deadline
// on ctx bounds the call.
type Fetcher interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
}

// FetcherFunc adapts a function to [Fetcher].
type FetcherFunc func(ctx context.Context) ([]json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	return f(ctx)
}

// FetchError marks a failure to obtain documents from the source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("fetch flags: %v", e.Err)
	}
	return fmt.Sprintf("fetch flags from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError is returned when the HTTP source answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
