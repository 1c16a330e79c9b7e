package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/voiceops-backend/internal/repo"
)

func zlog(ctx context.Context) *zerolog.Logger { return zerolog.Ctx(ctx) }

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info().Str("db", a.cfg.DBPath).Msg("schema up to date")
			return nil
		},
	}
}

func newSweepCmd(flags *rootFlags) *cobra.Command {
	var poll bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass and exit",
		Long:  `Deletes expired confirmation tokens and reports action log rows stuck in "attempted". With --poll, also polls the provider for every non-terminal agent task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.logger.WithContext(cmd.Context())

			rep, err := a.svc.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			out := struct {
				Report any `json:"report"`
				Polled *int `json:"agent_tasks_updated,omitempty"`
			}{Report: rep}
			if poll {
				n, err := a.svc.Sweeper.PollAgents(ctx)
				if err != nil {
					return err
				}
				out.Polled = &n
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&poll, "poll", false, "also poll non-terminal agent tasks")
	return cmd
}

func newPoliciesCmd(flags *rootFlags) *cobra.Command {
	policies := &cobra.Command{
		Use:   "policies",
		Short: "Manage repository policies",
	}
	policies.AddCommand(&cobra.Command{
		Use:   "seed [file]",
		Short: "Upsert policies from a YAML seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			path := a.cfg.PolicySeedPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file: pass one or set POLICY_SEED_PATH")
			}
			return seedPolicies(a.logger.WithContext(cmd.Context()), a.svc.Policies, path)
		},
	})
	return policies
}

func newUsersCmd(flags *rootFlags) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}
	users.AddCommand(&cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user with its policies, commands, confirmations, audit rows and agent tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			if err := repo.DeleteUser(cmd.Context(), a.db, args[0]); err != nil {
				return fmt.Errorf("delete user %s: %w", args[0], err)
			}
			a.logger.Info().Str("user_id", args[0]).Msg("user deleted")
			return nil
		},
	})
	return users
}
