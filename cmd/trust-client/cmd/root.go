// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	DefaultMetadataDir = "trust_metadata"
	DefaultDownloadDir = "trust_download"
)

var Verbosity bool
var RepositoryURL string

var rootCmd = &cobra.Command{
	Use:   "trust-client",
	Short: "trust-client - a client for signed update repositories",
	Long: `trust-client talks to an update repository that publishes signed metadata.

It can initialize trust from a root metadata file, refresh the trusted
metadata set and download target files. Every downloaded file is
verified against the signed metadata before it is written to disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		// show the help message if no command has been used
		if len(args) == 0 {
			_ = cmd.Help()
			os.Exit(0)
		}
	},
}

func Execute() {
	rootCmd.PersistentFlags().BoolVarP(&Verbosity, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&RepositoryURL, "url", "u", "", "URL of the metadata repository")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
