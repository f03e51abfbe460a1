package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"fleetauth/pkg/config"
	"fleetauth/pkg/db"
	"fleetauth/services/app"
	"fleetauth/services/ratelimit"
)

func newPruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired provisional hosts and inactive hosts now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Hosts.PruneStaleHosts(ctx)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, report, func() [][]string {
					rows := [][]string{{"FQDN", "REASON"}}
					for _, fqdn := range report.Expired {
						rows = append(rows, []string{fqdn, "expired"})
					}
					for _, fqdn := range report.Inactive {
						rows = append(rows, []string{fqdn, "inactive"})
					}
					return rows
				})
			})
		},
	}
}

func newSecretsCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("secrets", "Secrets at rest")

	var force bool
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Encrypt every stored secret that is still plaintext",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Migrator.Run(ctx, force)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, report, func() [][]string {
					if report.Skipped {
						return [][]string{{"already migrated; use --force to rescan"}}
					}
					tables := make([]string, 0, len(report.Encrypted))
					for t := range report.Encrypted {
						tables = append(tables, t)
					}
					sort.Strings(tables)
					rows := [][]string{{"COLUMN", "ENCRYPTED"}}
					for _, t := range tables {
						rows = append(rows, []string{t, fmt.Sprintf("%d", report.Encrypted[t])})
					}
					return rows
				})
			})
		},
	}
	migrate.Flags().BoolVar(&force, "force", false, "Rescan even when the migration marker is present")
	cmd.AddCommand(migrate)
	return cmd
}

func newRateLimitCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("ratelimit", "Rate limit counters")
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete counters whose window has closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Limiter.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d counters\n", n)
				return nil
			})
		},
	})

	bucket := ratelimit.BucketAuthFail
	blocked := &cobra.Command{
		Use:   "blocked",
		Short: "List addresses that used up a bucket in their open window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownBucket(bucket) {
				return fmt.Errorf("unknown bucket %q", bucket)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				limit, err := bucketLimit(a.Config, bucket)
				if err != nil {
					return err
				}
				counters, err := a.Limiter.Blocked(ctx, bucket, limit)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, counters, func() [][]string {
					return counterRows(counters, limit)
				})
			})
		},
	}
	blocked.Flags().StringVar(&bucket, "bucket", bucket, "Bucket to inspect: sync, auth_fail, admin or install")
	cmd.AddCommand(blocked)

	var clearBucket string
	clearCmd := &cobra.Command{
		Use:   "clear <ip>",
		Short: "Delete the counters of an address to lift a lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearBucket != "" && !knownBucket(clearBucket) {
				return fmt.Errorf("unknown bucket %q", clearBucket)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Limiter.Clear(ctx, args[0], clearBucket)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d counters for %s\n", n, args[0])
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&clearBucket, "bucket", "", "Only clear this bucket; default is every bucket")
	cmd.AddCommand(clearCmd)
	return cmd
}

func knownBucket(bucket string) bool {
	switch bucket {
	case ratelimit.BucketSync, ratelimit.BucketAuthFail, ratelimit.BucketAdmin, ratelimit.BucketInstall:
		return true
	}
	return false
}

// bucketLimit is the configured limit of bucket. A zero limit means the
// bucket is disabled and nothing can be blocked by it.
func bucketLimit(cfg config.Config, bucket string) (int, error) {
	var spec config.RateSpec
	switch bucket {
	case ratelimit.BucketSync:
		spec = cfg.RateLimitSync
	case ratelimit.BucketAuthFail:
		spec = cfg.RateLimitAuthFailures
	case ratelimit.BucketAdmin:
		spec = cfg.RateLimitAdmin
	case ratelimit.BucketInstall:
		spec = cfg.RateLimitInstall
	default:
		return 0, fmt.Errorf("unknown bucket %q", bucket)
	}
	if spec.Limit <= 0 {
		return 0, fmt.Errorf("bucket %q is not limited", bucket)
	}
	return spec.Limit, nil
}

func counterRows(counters []ratelimit.Counter, limit int) [][]string {
	rows := [][]string{{"IP", "BUCKET", "COUNT", "RESET AT"}}
	for _, c := range counters {
		resetAt := c.ResetAt
		rows = append(rows, []string{c.IP, c.Bucket, fmt.Sprintf("%d/%d", c.Count, limit), formatTime(&resetAt)})
	}
	return rows
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("status", "Fleet status snapshot")
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Regenerate the status files and upload them when a bucket is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Status.Regenerate(ctx); err != nil {
					return err
				}
				snap := a.Status.Last()
				return printValue(cmd.OutOrStdout(), opts.output, snap, func() [][]string {
					c := snap.Counts
					return [][]string{
						{"GENERATED", snap.GeneratedAt.Format(time.RFC3339)},
						{"HOSTS", fmt.Sprintf("%d", c.Total)},
						{"ACTIVE", fmt.Sprintf("%d", c.Active)},
						{"SUSPENDED", fmt.Sprintf("%d", c.Suspended)},
						{"IN SYNC", fmt.Sprintf("%d", c.InSync)},
						{"OUTPUT DIR", orDash(a.Config.StatusOutputDir)},
						{"BUCKET", orDash(a.Config.StatusBucket)},
					}
				})
			})
		},
	})
	return cmd
}

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("settings", "Global settings")
	cmd.AddCommand(&cobra.Command{
		Use:   "version-lock [version]",
		Short: "Pin every host to a client version; no argument removes the lock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 1 {
				version = args[0]
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Settings.SetVersionLock(ctx, version); err != nil {
					return err
				}
				v, err := a.Settings.VersionInfo(ctx, nil)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, v, func() [][]string {
					return [][]string{{"CLIENT VERSION", orDash(v.ClientVersion)}, {"SOURCE", v.Source}}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "quota-partition <off|5|7>",
		Short: "Set the quota week partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				value, changed, err := a.Settings.SetQuotaWeekPartition(ctx, args[0])
				if err != nil {
					return err
				}
				if !changed {
					return fmt.Errorf("unsupported partition %q, kept %d", args[0], value)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "quota week partition set to %d\n", value)
				return nil
			})
		},
	})
	return cmd
}

func newDBCommand() *cobra.Command {
	cmd := groupCommand("db", "Database maintenance")
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	return cmd
}
