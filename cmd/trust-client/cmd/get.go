// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updatetrust/go-updatetrust/metadata/localstore"
	"github.com/updatetrust/go-updatetrust/metadata/updater"
)

var targetsURL string

var getCmd = &cobra.Command{
	Use:     "get",
	Aliases: []string{"g"},
	Short:   "Download a target file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if RepositoryURL == "" {
			fmt.Println("Error: required flag(s) \"url\" not set")
			os.Exit(1)
		}
		return GetCmd(args[0])
	},
}

func init() {
	getCmd.Flags().StringVarP(&targetsURL, "turl", "t", "", "URL of where the target files are hosted")
	rootCmd.AddCommand(getCmd)
}

func GetCmd(target string) error {
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

	targetInfo, err := up.GetTargetInfo(target)
	if err != nil {
		return fmt.Errorf("target %s not found: %w", target, err)
	}

	// skip the download when a verified copy is already on disk
	path, err := up.FindCachedTarget(targetInfo, "")
	if err != nil {
		return fmt.Errorf("failed while finding a cached target: %w", err)
	}
	if path != "" {
		fmt.Printf("Target %s is already present at - %s\n", target, path)
		return nil
	}

	path, err = up.DownloadTarget(targetInfo, "", "")
	if err != nil {
		return fmt.Errorf("failed to download target file %s - %w", target, err)
	}
	fmt.Printf("Successfully downloaded target %s at - %s\n", target, path)
	return nil
}

// newUpdater builds an Updater over the initialized local environment,
// bootstrapping trust from the cached root metadata.
func newUpdater() (*updater.Updater, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	metadataDir := filepath.Join(cwd, DefaultMetadataDir)
	downloadDir := filepath.Join(cwd, DefaultDownloadDir)
	if _, err := os.Stat(metadataDir); err != nil {
		return nil, fmt.Errorf("no local metadata folder, run init first: %w", err)
	}
	if _, err := os.Stat(downloadDir); err != nil {
		return nil, fmt.Errorf("no local download folder, run init first: %w", err)
	}
	// target files default to the metadata host
	if targetsURL == "" {
		targetsURL = RepositoryURL
	}
	store, err := localstore.NewFileStore(metadataDir)
	if err != nil {
		return nil, err
	}
	up, err := updater.New(nil, RepositoryURL, targetsURL, downloadDir, nil, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return up, nil
}
