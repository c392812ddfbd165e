package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/kedb-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/kedb-retrieval/internal/bootstrap"
	"github.com/kirillkom/kedb-retrieval/internal/config"
	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/observability/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kedbctl",
		Short:         "Operate the known-error retrieval indexes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newInitIndexesCmd(),
		newRebuildCmd(),
		newDeadLettersCmd(),
		newDecisionsCmd(),
		newMCPCmd(),
	)
	return root
}

// withApp wires the configured stack for the duration of one command.
// Logs go to stderr so stdout stays machine readable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg := config.Load()
	logger := logging.NewJSONLoggerTo(os.Stderr, "kedbctl", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "kedbctl", logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()
	return fn(ctx, app)
}

func newInitIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-indexes",
		Short: "Create lexical and vector indexes if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Maintenance.InitIndexes(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "indexes ready")
				return nil
			})
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-project every source record and sweep stale index documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Maintenance.RebuildAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and replay sync tasks that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered sync tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				letters, err := app.DeadLetters.List(ctx, limit, all)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), letters)
			})
		},
	}
	list.Flags().Int("limit", 50, "Maximum entries to list")
	list.Flags().Bool("all", false, "Include entries that were already replayed")

	replay := &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-apply a dead-lettered task, bypassing the version check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Sync.Replay(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <session-id>",
		Short: "Print the policy decision trail of a suggestion session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				decisions, err := app.Decisions.BySession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), decisions)
			})
		},
	}
}

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve search and suggestions as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			principal, err := principalFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(_ context.Context, app *bootstrap.App) error {
				return mcp.NewServer(mcp.Deps{
					Search:    app.Query,
					Suggest:   app.Suggest,
					Principal: principal,
					Logger:    app.Logger,
				}).Serve()
			})
		},
	}
	cmd.Flags().String("subject", "", "Principal subject the tools act as (default anonymous)")
	cmd.Flags().String("role", "viewer", "Principal role for policy evaluation")
	cmd.Flags().StringSlice("scope", nil, "Principal scopes, repeatable")
	return cmd
}

func principalFromFlags(cmd *cobra.Command) (domain.Principal, error) {
	subject, _ := cmd.Flags().GetString("subject")
	role, _ := cmd.Flags().GetString("role")
	scopes, _ := cmd.Flags().GetStringSlice("scope")

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.AnonymousPrincipal(), nil
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return domain.Principal{}, fmt.Errorf("--role must not be empty")
	}
	return domain.Principal{Subject: subject, Role: role, Scopes: scopes}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
