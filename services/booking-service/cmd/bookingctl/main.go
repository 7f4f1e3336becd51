package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/config"
	"github.com/md-rashed-zaman/bookinggate/libs/db"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage/migrations"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/traffic"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var databaseURL string

// openStore connects to Postgres. The caller must call the returned close func.
func openStore(ctx context.Context) (storage.Store, func(), error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, databaseURL, db.PoolConfig{MaxConns: 2})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return storage.NewPostgres(pool), pool.Close, nil
}

var rootCmd = &cobra.Command{
	Use:          "bookingctl",
	Short:        "Operate the booking service",
	SilenceUsage: true,
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Up(databaseURL); err != nil {
			return err
		}
		v, _, err := migrations.Version(databaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", v)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if err := migrations.Down(databaseURL, steps); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d step(s)\n", steps)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied and latest schema versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		latest, err := migrations.Latest()
		if err != nil {
			return err
		}
		v, dirty, err := migrations.Version(databaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied: %d\nLatest:  %d\nDirty:   %t\n", v, latest, dirty)
		return nil
	},
}

// policy command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or change the capacity policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current capacity policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		p, err := policy.NewStore(store, model.DefaultPolicy(), discardLogger()).Active(cmd.Context())
		if err != nil {
			return err
		}
		printPolicy(cmd.OutOrStdout(), p)
		return nil
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the daily per-user limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		active, _ := cmd.Flags().GetBool("active")
		by, _ := cmd.Flags().GetString("by")
		desc, _ := cmd.Flags().GetString("description")

		store, closeFn, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		old, p, err := policy.NewStore(store, model.DefaultPolicy(), discardLogger()).Update(cmd.Context(), policy.UpdateRequest{
			Limit:       limit,
			Active:      active,
			Description: desc,
			UpdatedBy:   by,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daily limit changed from %d to %d\n\n", old, p.DailyLimitPerUser)
		printPolicy(cmd.OutOrStdout(), p)
		return nil
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots DATE",
	Short: "List slot availability for a date (YYYY-MM-DD)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := model.ParseDate(args[0])
		if err != nil {
			return err
		}
		length, _ := cmd.Flags().GetDuration("length")

		store, closeFn, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		slots, err := availability.NewEngine(store).Slots(cmd.Context(), date, length)
		if err != nil {
			return err
		}
		if len(slots) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No slots.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "START\tEND\tCAPACITY\tBOOKED\tREMAINING\tBLOCKED")
		for _, s := range slots {
			blocked := "-"
			if s.Blocked {
				blocked = s.BlockReason
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", s.StartTime, s.EndTime, s.Capacity, s.Booked, s.Remaining, blocked)
		}
		return tw.Flush()
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify PATH",
	Short: "Show which rate limit tier a request would fall into",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		ip, _ := cmd.Flags().GetString("ip")
		user, _ := cmd.Flags().GetString("user")

		c := traffic.Classify(traffic.Request{Path: args[0], Method: method, IP: ip, UserID: user})
		lim := traffic.DefaultLimits()[c.Tier]
		fmt.Fprintf(cmd.OutOrStdout(), "Tier:  %s\nKey:   %s\nLimit: %d per %s\n", c.Tier, c.CounterKey(), lim.Requests, lim.Window)
		return nil
	},
}

func printPolicy(w io.Writer, p model.CapacityPolicy) {
	fmt.Fprintf(w, "ID:          %s\n", p.ID)
	fmt.Fprintf(w, "Daily limit: %d\n", p.DailyLimitPerUser)
	fmt.Fprintf(w, "Active:      %t\n", p.Active)
	fmt.Fprintf(w, "Description: %s\n", p.Description)
	fmt.Fprintf(w, "Updated by:  %s\n", p.LastUpdatedBy)
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated at:  %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", config.String("DATABASE_URL", ""), "Postgres connection URL")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateDownCmd.Flags().IntP("steps", "n", 1, "Number of migrations to roll back")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)
	policySetCmd.Flags().IntP("limit", "l", model.DefaultDailyLimitPerUser, "Daily bookings allowed per user")
	policySetCmd.Flags().Bool("active", true, "Enforce the daily limit")
	policySetCmd.Flags().String("by", "bookingctl", "Recorded as the policy's last editor")
	policySetCmd.Flags().String("description", "", "Policy description")

	slotsCmd.Flags().Duration("length", 0, "Cut rule windows into slots of this length")

	classifyCmd.Flags().String("method", "GET", "HTTP method")
	classifyCmd.Flags().String("ip", "127.0.0.1", "Client IP")
	classifyCmd.Flags().String("user", "", "Authenticated user id")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(classifyCmd)
}
