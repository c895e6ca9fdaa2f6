package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/grading"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/leaderboard"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Schedule or generate leaderboards for marathons that ended without one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)
			a, err := newApp(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.close()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			n, err := a.reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d marathon(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Print pending and failed jobs as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)
			a, err := newApp(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.close()

			failedOnly, _ := cmd.Flags().GetBool("failed")
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			out := make(map[string]interface{})
			for _, queue := range []string{leaderboard.Queue, grading.Queue} {
				failed, err := a.scheduler.Failed(ctx, queue)
				if err != nil {
					return err
				}
				entry := map[string]interface{}{"failed": failed}
				if !failedOnly {
					pending, err := a.scheduler.Pending(ctx, queue)
					if err != nil {
						return err
					}
					entry["pending"] = pending
				}
				out[queue] = entry
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Bool("failed", false, "Only list failed jobs")
	return cmd
}
