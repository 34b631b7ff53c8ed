/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmclient/signaling/auth"
)

func commandToken() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Create a token for the control API",
		Run: func(cmd *cobra.Command, args []string) {
			if err := token(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	addConfigFlags(tokenCmd)
	tokenCmd.Flags().String("subject", "kwmclientd", "Subject of the token")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Duration until the token expires")

	return tokenCmd
}

func token(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.ControlSigningKey == "" {
		return errors.New("no control signing key configured")
	}

	signer, err := auth.NewControlSigner("", map[string][]byte{
		"": []byte(cfg.ControlSigningKey),
	}, nil)
	if err != nil {
		return err
	}

	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	signed, err := signer.Sign(subject, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(os.Stdout, signed)
	return nil
}
