// Package repository reads flag documents from PostgreSQL. It also handles
// LISTEN/NOTIFY-based invalidation so the refresher can pick up edits without
// waiting for its next tick.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "flag_changes"
	listenRetryDelay     = time.Second
)

// Flag is one row of the flags table.
type Flag struct {
	Name            string
	Description     string
	Enabled         bool
	RequirementType string
	ClientFilters   json.RawMessage
	UpdatedAt       time.Time
}

// PostgresRepository serves the flags table as a flag source.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN channel (default "flag_changes").
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListFlags returns all rows ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, description, enabled, requirement_type, client_filters, updated_at
		FROM flags
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(
			&flag.Name,
			&flag.Description,
			&flag.Enabled,
			&flag.RequirementType,
			&flag.ClientFilters,
			&flag.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// Fetch implements fetch.Fetcher by rendering every row as a flag document.
func (r *PostgresRepository) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	flags, err := r.ListFlags(ctx)
	if err != nil {
		return nil, err
	}

	documents := make([]json.RawMessage, 0, len(flags))
	for _, flag := range flags {
		document, err := flagDocument(flag)
		if err != nil {
			return nil, fmt.Errorf("render flag %q: %w", flag.Name, err)
		}
		documents = append(documents, document)
	}

	return documents, nil
}

func (r *PostgresRepository) String() string {
	return "postgres"
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever a
// notification arrives on the LISTEN channel. The listener reconnects on
// connection loss and the channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}

		// Changes may have landed while we were disconnected.
		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func flagDocument(flag Flag) (json.RawMessage, error) {
	return json.Marshal(struct {
		ID          string `json:"id"`
		Description string `json:"description,omitempty"`
		Enabled     bool   `json:"enabled"`
		Conditions  struct {
			RequirementType string          `json:"requirement_type,omitempty"`
			ClientFilters   json.RawMessage `json:"client_filters"`
		} `json:"conditions"`
	}{
		ID:          flag.Name,
		Description: flag.Description,
		Enabled:     flag.Enabled,
		Conditions: struct {
			RequirementType string          `json:"requirement_type,omitempty"`
			ClientFilters   json.RawMessage `json:"client_filters"`
		}{
			RequirementType: flag.RequirementType,
			ClientFilters:   ensureJSON(flag.ClientFilters, "[]"),
		},
	})
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
