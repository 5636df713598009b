package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"stockflow/internal/access"
	"stockflow/internal/app"
	"stockflow/internal/auth"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/service"

	"github.com/spf13/cobra"
)

// operator acts for the person running stockctl, who holds the database
// credentials and therefore full rights
var operator = &access.Session{UserID: "stockctl", Email: "stockctl@localhost", Role: models.RoleAdmin}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, s docstore.Store) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	s, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the document store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s docstore.Store) error {
			if err := app.Migrate(ctx, s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue an identity token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			return err
		}
		token, err := verifier.Issue(auth.Identity{UserID: args[0], Email: email, DisplayName: name}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var setRoleCmd = &cobra.Command{
	Use:   "set-role [user-id] [role]",
	Short: "Change a user's role (Viewer, Sales Staff, Manager, Admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s docstore.Store) error {
			profile, err := service.NewProfileService(s).SetRole(ctx, operator, args[0], models.Role(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", profile.Email, profile.Role)
			return nil
		})
	},
}

var lowStockCmd = &cobra.Command{
	Use:   "low-stock",
	Short: "List products at or below their low-stock threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s docstore.Store) error {
			threshold := cfg.Business.DefaultLowStockThreshold
			products, err := service.NewDashboardService(s, threshold, time.UTC).LowStock(ctx, operator)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SKU\tNAME\tQTY\tTHRESHOLD")
			for _, p := range products {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.SKU, p.Name, p.Quantity, p.Threshold(threshold))
			}
			return w.Flush()
		})
	},
}

func init() {
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().String("name", "", "display name claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
