// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/autobrr/hwkey/internal/auth"
	"github.com/autobrr/hwkey/internal/config"
	"github.com/autobrr/hwkey/internal/database"
	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/models"
)

const configHelp = `
If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/hwkey/config.toml
- Windows: %APPDATA%\hwkey\config.toml`

// storeFlags are shared by every command that opens the license database.
type storeFlags struct {
	configDir string
	dataDir   string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
}

func (f *storeFlags) open() (*config.AppConfig, *database.DB, *models.LicenseStore, error) {
	cfg, err := config.New(f.configDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if f.dataDir != "" {
		cfg.SetDataDir(f.dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return cfg, db, models.NewLicenseStore(db.Conn()), nil
}

func RunIssueCommand() *cobra.Command {
	var (
		flags     storeFlags
		customer  string
		days      int
		expiresAt string
	)

	command := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license key",
		Long: `Issue a new, unbound license key and print it.

Without --days or --expires-at the license never expires.
` + configHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days > 0 && expiresAt != "" {
				return errors.New("use either --days or --expires-at, not both")
			}
			if days < 0 {
				return errors.New("--days must be positive")
			}

			now := time.Now()
			req := license.IssueRequest{CustomerInfo: customer}

			switch {
			case days > 0:
				expiry := now.Add(time.Duration(days) * 24 * time.Hour)
				req.ExpiresAt = &expiry
			case expiresAt != "":
				expiry, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("invalid --expires-at, expected RFC3339: %w", err)
				}
				req.ExpiresAt = &expiry
			}

			_, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			issued, err := license.NewIssuer(store).Issue(context.Background(), req, now)
			if err != nil {
				return fmt.Errorf("failed to issue license: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), issued.LicenseKey)
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVar(&customer, "customer", "", "free-form customer info stored with the key")
	command.Flags().IntVar(&days, "days", 0, "license lifetime in days from now")
	command.Flags().StringVar(&expiresAt, "expires-at", "", "absolute expiry as RFC3339, e.g. 2027-01-01T00:00:00Z")

	return command
}

func RunRevokeCommand() *cobra.Command {
	var flags storeFlags

	command := &cobra.Command{
		Use:   "revoke <license-key>",
		Short: "Revoke a license key",
		Long: `Permanently revoke an active license key. Revoking a revoked key is a no-op.
` + configHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			licenseKey := strings.TrimSpace(args[0])
			if err := license.NewIssuer(store).Revoke(context.Background(), licenseKey); err != nil {
				return fmt.Errorf("failed to revoke %s: %w", licenseKey, err)
			}

			cmd.Printf("License %s revoked\n", licenseKey)
			return nil
		},
	}

	flags.register(command)

	return command
}

func RunListCommand() *cobra.Command {
	var (
		flags   storeFlags
		search  string
		jsonOut bool
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "List license keys",
		Long: `List license keys, newest first.

--search matches a license key exactly or fuzzy-matches customer info.
` + configHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			licenses, err := license.NewIssuer(store).List(context.Background(), search)
			if err != nil {
				return fmt.Errorf("failed to list licenses: %w", err)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if licenses == nil {
					licenses = []*models.License{}
				}
				return enc.Encode(licenses)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATUS\tHWID\tEXPIRES\tCUSTOMER")
			for _, l := range licenses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					l.LicenseKey,
					l.Status,
					valueOr(l.HWID, "-"),
					formatExpiry(l.ExpiresAt),
					valueOr(l.CustomerInfo, ""),
				)
			}
			return w.Flush()
		},
	}

	flags.register(command)
	command.Flags().StringVar(&search, "search", "", "filter by license key or customer info")
	command.Flags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")

	return command
}

func RunSweepCommand() *cobra.Command {
	var flags storeFlags

	command := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale expired and never-activated licenses",
		Long: `Run the retention sweep once using the configured retention windows.
` + configHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			expired, unused := cfg.RetentionWindows()
			report, err := license.NewSweeper(store, license.WithRetention(expired, unused)).
				Sweep(context.Background(), time.Now())
			if err != nil {
				return err
			}

			cmd.Println(report.String())
			return nil
		},
	}

	flags.register(command)

	return command
}

func RunHashSecretCommand() *cobra.Command {
	var secret string

	command := &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash an admin secret for the config file",
		Long: `Print an Argon2id hash of an admin secret. Put the hash in adminSecret
to avoid keeping the plaintext secret in config.toml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				var err error
				secret, err = readPassword("Enter admin secret: ")
				if err != nil {
					return err
				}
			}

			if len(secret) < 16 {
				return errors.New("admin secret must be at least 16 characters long")
			}

			hash, err := auth.HashSecret(secret)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	command.Flags().StringVar(&secret, "secret", "", "secret to hash (will prompt if not provided)")

	return command
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
