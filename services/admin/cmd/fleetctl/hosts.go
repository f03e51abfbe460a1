package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fleetauth/services/app"
	"fleetauth/services/hosts"
)

func newHostsCommand(opts *rootOptions) *cobra.Command {
	cmd := groupCommand("hosts", "Register and manage fleet hosts")
	cmd.AddCommand(newHostsRegisterCommand(opts))
	cmd.AddCommand(newHostsListCommand(opts))
	cmd.AddCommand(newHostActionCommand(opts, "suspend", "Suspend a host; its key stops authenticating", func(ctx context.Context, a *app.App, id uuid.UUID) (*hosts.Host, error) {
		return a.Hosts.Suspend(ctx, id)
	}))
	cmd.AddCommand(newHostActionCommand(opts, "reactivate", "Reactivate a suspended host", func(ctx context.Context, a *app.App, id uuid.UUID) (*hosts.Host, error) {
		return a.Hosts.Reactivate(ctx, id)
	}))
	cmd.AddCommand(newHostActionCommand(opts, "reset-ip", "Forget the IP a host is locked to", func(ctx context.Context, a *app.App, id uuid.UUID) (*hosts.Host, error) {
		return a.Hosts.ResetIP(ctx, id)
	}))
	cmd.AddCommand(newHostsDeleteCommand(opts))
	cmd.AddCommand(newHostsInsecureCommand(opts))
	cmd.AddCommand(newHostsInstallTokenCommand(opts))
	return cmd
}

func newHostsRegisterCommand(opts *rootOptions) *cobra.Command {
	var insecure bool

	cmd := &cobra.Command{
		Use:   "register <fqdn>",
		Short: "Register a host and print its API key once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fqdn := strings.ToLower(strings.TrimSpace(args[0]))
			if fqdn == "" {
				return fmt.Errorf("fqdn is required")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				reg, err := a.Hosts.Register(ctx, fqdn, !insecure)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, reg, func() [][]string {
					rows := [][]string{
						{"ID", reg.ID.String()},
						{"FQDN", reg.FQDN},
						{"SECURE", yesNo(reg.Secure)},
						{"API KEY", reg.APIKey},
						{"EXPIRES", formatTime(reg.ExpiresAt)},
					}
					if reg.InsecureEnabledUntil != nil {
						rows = append(rows, []string{"INSECURE UNTIL", formatTime(reg.InsecureEnabledUntil)})
					}
					return rows
				})
			})
		},
	}
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Register the host as insecure (retrieval gated by a time window)")
	return cmd
}

func newHostsListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Hosts.List(ctx)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, list, func() [][]string {
					return hostRows(list, time.Now())
				})
			})
		},
	}
}

func hostRows(list []hosts.Host, now time.Time) [][]string {
	rows := [][]string{{"ID", "FQDN", "STATUS", "SECURE", "WINDOW", "CALLS", "LAST SEEN"}}
	for i := range list {
		h := &list[i]
		window := "-"
		if !h.Secure {
			window = string(h.WindowState(now))
		}
		rows = append(rows, []string{
			h.ID.String(),
			h.FQDN,
			h.Status,
			yesNo(h.Secure),
			window,
			fmt.Sprintf("%d", h.APICalls),
			formatTime(h.LastSeenAt),
		})
	}
	return rows
}

func newHostActionCommand(opts *rootOptions, use, short string, fn func(ctx context.Context, a *app.App, id uuid.UUID) (*hosts.Host, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid host id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				h, err := fn(ctx, a, id)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, h, func() [][]string {
					return hostRows([]hosts.Host{*h}, time.Now())
				})
			})
		},
	}
}

func newHostsDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid host id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Hosts.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				return nil
			})
		},
	}
}

func newHostsInsecureCommand(opts *rootOptions) *cobra.Command {
	var (
		minutes int
		disable bool
	)

	cmd := &cobra.Command{
		Use:   "insecure <id>",
		Short: "Open or close the insecure retrieval window of a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid host id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var h *hosts.Host
				if disable {
					h, err = a.Hosts.DisableInsecure(ctx, id)
				} else {
					var m *int
					if cmd.Flags().Changed("minutes") {
						m = &minutes
					}
					h, err = a.Hosts.EnableInsecure(ctx, id, m)
				}
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts.output, h, func() [][]string {
					return [][]string{
						{"FQDN", h.FQDN},
						{"WINDOW", string(h.WindowState(time.Now()))},
						{"ENABLED UNTIL", formatTime(h.InsecureEnabledUntil)},
						{"GRACE UNTIL", formatTime(h.InsecureGraceUntil)},
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", hosts.DefaultInsecureWindowMinutes, "Window length in minutes (0-480)")
	cmd.Flags().BoolVar(&disable, "disable", false, "Close the window and its grace period immediately")
	return cmd
}

func newHostsInstallTokenCommand(opts *rootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "install-token <id>",
		Short: "Issue a one-time installer token for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid host id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if ttl <= 0 {
					ttl = a.Config.InstallTokenTTL
				}
				issued, err := a.Tokens.Issue(ctx, id, ttl)
				if err != nil {
					return err
				}
				base := strings.TrimRight(a.Config.PublicBaseURL, "/")
				return printValue(cmd.OutOrStdout(), opts.output, issued, func() [][]string {
					rows := [][]string{
						{"TOKEN", issued.Token},
						{"EXPIRES", formatTime(&issued.ExpiresAt)},
					}
					if base != "" {
						rows = append(rows, []string{"URL", base + "/v1/install/" + issued.Token})
					}
					return rows
				})
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to INSTALL_TOKEN_TTL)")
	return cmd
}
