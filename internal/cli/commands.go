package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and orphaned queue entries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				res, err := a.queue.CleanupExpiredRequests(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sweep failed", err)
				}
				return render(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
					fmt.Fprintf(w, "expired: %d\nstale: %d\nmarked expired: %d\n",
						res.Expired, res.Stale, res.MarkedExpired)
				})
			})
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counters and per-queue sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				stats, err := a.queue.GetStats(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read stats", err)
				}
				return render(cmd.OutOrStdout(), rootOpts.Format, stats, func(w io.Writer) {
					fmt.Fprintf(w, "total requests: %d\nactive requests: %d\nmatches formed: %d\naverage wait: %.1fs\n",
						stats.TotalRequests, stats.ActiveRequests, stats.MatchesFormed, stats.AverageWaitTime)

					lines := make([]string, 0)
					for game, modes := range stats.Queues {
						for mode, regions := range modes {
							for region, size := range regions {
								lines = append(lines, fmt.Sprintf("  %s:%s:%s %d", game, mode, region, size))
							}
						}
					}
					sort.Strings(lines)
					for _, line := range lines {
						fmt.Fprintln(w, line)
					}
				})
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queue, request entry and user lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return WrapExitError(ExitCommandError, "refusing to clear queues without --yes", nil)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				deleted, err := a.queue.ClearQueues(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "clear failed", err)
				}
				out := map[string]int64{"keys_deleted": deleted}
				return render(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %d keys\n", deleted)
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm the reset")
	return cmd
}

// NewCycleCommand creates the cycle command.
func NewCycleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one matching cycle over every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				res, err := a.matchmaking.RunCycle(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "cycle failed", err)
				}
				return render(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
					fmt.Fprintf(w, "partitions: %d\ncandidates: %d\nmatches formed: %d\nconflicts: %d\nfailures: %d\n",
						res.Partitions, res.Candidates, res.MatchesFormed, res.Conflicts, res.Failures)
				})
			})
		},
	}
}

func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	a, err := newApp(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer a.close()

	return fn(ctx, a)
}

func render(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
