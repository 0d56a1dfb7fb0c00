package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flaggate/internal/core"
	"github.com/matt-riley/flaggate/internal/evaluation"
	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/middleware"
	"github.com/matt-riley/flaggate/internal/refresher"
	"github.com/matt-riley/flaggate/internal/store"
)

var errInvalidDocuments = errors.New("flag source has invalid documents")

type sourceFlags struct {
	file    string
	url     string
	token   string
	timeout time.Duration
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.file, "file", "f", "", "YAML or JSON flag file")
	cmd.Flags().StringVar(&s.url, "url", "", "HTTP(S) flag source URL")
	cmd.Flags().StringVar(&s.token, "token", "", "bearer token for --url")
	cmd.Flags().DurationVar(&s.timeout, "timeout", refresher.DefaultFetchTimeout, "fetch timeout")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	cmd.MarkFlagsOneRequired("file", "url")
}

func (s *sourceFlags) fetcher() (fetch.Fetcher, error) {
	if s.file != "" {
		return fetch.NewFileFetcher(s.file)
	}
	return fetch.NewHTTPFetcher(fetch.HTTPConfig{URL: s.url, Token: s.token})
}

// load publishes one snapshot from the source into a fresh store.
func (s *sourceFlags) load(ctx context.Context) (*store.Store, refresher.Result, error) {
	fetcher, err := s.fetcher()
	if err != nil {
		return nil, refresher.Result{}, err
	}

	flagStore := store.New()
	ref, err := refresher.New(fetcher, flagStore,
		refresher.WithFetchTimeout(s.timeout),
		refresher.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, refresher.Result{}, err
	}

	result, err := ref.Refresh(ctx)
	if err != nil {
		return nil, refresher.Result{}, err
	}
	return flagStore, result, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flagctl",
		Short:         "Inspect and evaluate feature flag sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newListCmd(), newValidateCmd(), newEvalCmd(), newHashTokenCmd())
	return root
}

func newListCmd() *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the flags a source currently serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flagStore, result, err := src.load(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tREQUIREMENT\tFILTERS")
			for _, flag := range flagStore.Current().Flags() {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", flag.Name, flag.Enabled, flag.Requirement, ruleKinds(flag.Rules))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, skipped := range result.Skipped {
				fmt.Fprintln(cmd.ErrOrStderr(), "skipped:", skipped)
			}
			return nil
		},
	}
	src.register(cmd)
	return cmd
}

func newValidateCmd() *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that every document in a source parses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, result, err := src.load(cmd.Context())
			if err != nil {
				return err
			}
			for _, skipped := range result.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "invalid:", skipped)
			}
			if len(result.Skipped) > 0 {
				return fmt.Errorf("%w: %d skipped", errInvalidDocuments, len(result.Skipped))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d flags\n", result.Flags)
			return nil
		},
	}
	src.register(cmd)
	return cmd
}

func newEvalCmd() *cobra.Command {
	var (
		src    sourceFlags
		userID string
		groups []string
		attrs  []string
		policy string
		atTime string
	)
	cmd := &cobra.Command{
		Use:   "eval FLAG",
		Short: "Evaluate a flag for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unknown, err := evaluation.ParsePolicy(policy)
			if err != nil {
				return err
			}
			evalCtx, err := buildContext(userID, groups, attrs, atTime)
			if err != nil {
				return err
			}

			flagStore, _, err := src.load(cmd.Context())
			if err != nil {
				return err
			}

			enabled, err := evaluation.New(flagStore, evaluation.WithPolicy(unknown)).Evaluate(args[0], evalCtx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %t\n", args[0], enabled)
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().StringVarP(&userID, "user", "u", "", "userId attribute")
	cmd.Flags().StringSliceVarP(&groups, "group", "g", nil, "groups attribute (repeatable)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "extra attribute as key=value (repeatable)")
	cmd.Flags().StringVar(&policy, "unknown-flag-policy", evaluation.PolicyTreatAsDisabled.String(), "treatAsDisabled or propagateError")
	cmd.Flags().StringVar(&atTime, "at", "", "evaluate time windows at this RFC3339 time")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [TOKEN]",
		Short: "Print the bcrypt hash of a refresh token (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<10))
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			if token == "" {
				return errors.New("token is empty")
			}

			hash, err := middleware.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func buildContext(userID string, groups, attrs []string, atTime string) (core.EvaluationContext, error) {
	attributes := make(map[string]any)
	for _, attr := range attrs {
		key, value, ok := strings.Cut(attr, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			return core.EvaluationContext{}, fmt.Errorf("invalid --attr %q, want key=value", attr)
		}
		attributes[key] = value
	}
	if userID != "" {
		attributes[core.AttributeUserID] = userID
	}
	if len(groups) > 0 {
		attributes[core.AttributeGroups] = groups
	}
	if atTime != "" {
		at, err := time.Parse(time.RFC3339, atTime)
		if err != nil {
			return core.EvaluationContext{}, fmt.Errorf("invalid --at: %w", err)
		}
		attributes[core.AttributeRequestTime] = at
	}
	return core.EvaluationContext{Attributes: attributes}, nil
}

func ruleKinds(rules []core.Rule) string {
	if len(rules) == 0 {
		return "-"
	}
	kinds := make([]string, 0, len(rules))
	for _, rule := range rules {
		kinds = append(kinds, string(rule.Kind()))
	}
	return strings.Join(kinds, ",")
}
