package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dentalclinic/billing/internal/config"
	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/platform/db"
	"github.com/dentalclinic/billing/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Dental clinic billing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(fiscalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects; callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "default", "Clinic whose schema is migrated")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "default", "Clinic whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.SchemaFor(name))
			if err := db.CreateClinicSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (letters, digits, underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

// fiscalCmd lets an operator inspect and switch CAI ranges without the API.
func fiscalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fiscal",
		Short: "Inspect and manage fiscal sequences (CAI)",
	}
	cmd.PersistentFlags().String("clinic", "default", "Clinic identifier")

	withService := func(cmd *cobra.Command, fn func(ctx context.Context, svc *fiscal.Service) error) error {
		clinic, _ := cmd.Flags().GetString("clinic")
		ctx := context.Background()
		cfg, pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		svc := fiscal.NewService(fiscal.NewRepoPG(pool), db.NewTxRunner(pool))
		svc.SetThreshold(cfg.FiscalSwitchThreshold)
		return db.WithClinicConn(ctx, pool, clinic, func(ctx context.Context) error {
			return fn(ctx, svc)
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List fiscal sequences, active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *fiscal.Service) error {
				seqs, err := svc.List(ctx)
				if err != nil {
					return err
				}
				views := make([]*fiscal.SequenceView, 0, len(seqs))
				for _, s := range seqs {
					views = append(views, svc.View(s))
				}
				return printSequences(cmd.OutOrStdout(), views)
			})
		},
	})

	toggle := func(use, short string, action func(*fiscal.Service, context.Context, uuid.UUID) (*fiscal.Sequence, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid sequence id %q", args[0])
				}
				return withService(cmd, func(ctx context.Context, svc *fiscal.Service) error {
					seq, err := action(svc, ctx, id)
					if err != nil {
						return err
					}
					return printSequences(cmd.OutOrStdout(), []*fiscal.SequenceView{svc.View(seq)})
				})
			},
		}
	}
	cmd.AddCommand(toggle("activate", "Make a sequence the active one for its invoice type", (*fiscal.Service).Activate))
	cmd.AddCommand(toggle("deactivate", "Deactivate a sequence", (*fiscal.Service).Deactivate))

	return cmd
}

func printSequences(w io.Writer, views []*fiscal.SequenceView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCAI\tTYPE\tRANGE\tCURRENT\tREMAINING\tEXPIRES\tSTATUS")
	for _, v := range views {
		status := "standby"
		switch {
		case v.IsActive && v.CanIssue:
			status = "active"
		case v.IsActive:
			status = "active (unusable)"
		case v.HasBeenUsed:
			status = "retired"
		}
		if v.IsExpired {
			status += ", expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s-%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.CAI, v.InvoiceType, v.RangeStart, v.RangeEnd, v.CurrentNumber,
			v.Remaining, v.ExpirationDate.Format(time.DateOnly), status)
	}
	return tw.Flush()
}
