// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/hwkey/pkg/licenseclient"
)

func RunCheckCommand() *cobra.Command {
	var (
		server   string
		key      string
		hwid     string
		timeout  time.Duration
		attempts uint
	)

	command := &cobra.Command{
		Use:   "check",
		Short: "Validate a license key against a running server",
		Long: `Send a validation request to a hwkey server the way a client machine would.
The first successful check binds the key to --hwid.`,
		Example: `  hwkey check --server http://localhost:8080 --key 3f1c2a9e-... --hwid MACHINE-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" || hwid == "" {
				return fmt.Errorf("--key and --hwid are required")
			}

			logger := log.Logger
			client := licenseclient.New(licenseclient.Config{
				Host:     server,
				Timeout:  timeout,
				Attempts: attempts,
				Log:      &logger,
			})

			result, err := client.Validate(cmd.Context(), key, hwid)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			if result.ExpiresAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s\n", result.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	command.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	command.Flags().StringVar(&key, "key", "", "license key")
	command.Flags().StringVar(&hwid, "hwid", "", "hardware id of this machine")
	command.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	command.Flags().UintVar(&attempts, "attempts", 3, "attempts on connection errors and 5xx responses")

	return command
}
