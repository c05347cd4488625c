// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updatetrust/go-updatetrust/metadata"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the trusted metadata set from the repository",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		if RepositoryURL == "" {
			fmt.Println("Error: required flag(s) \"url\" not set")
			os.Exit(1)
		}
		return RefreshCmd()
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func RefreshCmd() error {
	if Verbosity {
		log.SetLevel(log.DebugLevel)
	}
	up, err := newUpdater()
	if err != nil {
		return err
	}
	if err := up.Refresh(); err != nil {
		return fmt.Errorf("failed to refresh trusted metadata: %w", err)
	}
	trusted := up.Trusted()
	fmt.Printf("Refresh successful: root v%d, timestamp v%d, snapshot v%d, targets v%d\n",
		trusted.Root.Signed.Version,
		trusted.Timestamp.Signed.Version,
		trusted.Snapshot.Signed.Version,
		trusted.Targets[metadata.TARGETS].Signed.Version)
	return nil
}
