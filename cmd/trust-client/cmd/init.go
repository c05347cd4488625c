// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"

	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/updatetrust/go-updatetrust/metadata"
	"github.com/updatetrust/go-updatetrust/metadata/config"
	"github.com/updatetrust/go-updatetrust/metadata/fetcher"
	"github.com/updatetrust/go-updatetrust/metadata/localstore"
	"github.com/updatetrust/go-updatetrust/metadata/trustedmetadata"
)

var rootPath string

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"i"},
	Short:   "Initialize the client with trusted root metadata",
	Args:    cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		if RepositoryURL == "" && rootPath == "" {
			fmt.Println("Error: either --url or --file must be set")
			os.Exit(1)
		}
		return InitializeCmd()
	},
}

func init() {
	initCmd.Flags().StringVarP(&rootPath, "file", "f", "", "location of the trusted root metadata file")
	rootCmd.AddCommand(initCmd)
}

func InitializeCmd() error {
	metadata.SetLogger(stdr.New(stdlog.New(os.Stdout, "trust-client", stdlog.LstdFlags)))
	if Verbosity {
		stdr.SetVerbosity(5)
	}

	metadataDir, _, err := prepareEnvironment()
	if err != nil {
		return err
	}

	// with no root file, bootstrap trust-on-first-use from version 1 at
	// the repository URL
	var rootBytes []byte
	if rootPath == "" {
		fmt.Printf("No root metadata file was provided. Trying to download version 1 from %s\n", RepositoryURL)
		f := &fetcher.DefaultFetcher{}
		cfg := config.New()
		rootBytes, err = f.DownloadFile(RepositoryURL+"/1.root.json", cfg.RootMaxLength, cfg.FetchTimeout)
		if err != nil {
			return fmt.Errorf("failed to download initial root metadata: %w", err)
		}
	} else {
		rootBytes, err = os.ReadFile(rootPath)
		if err != nil {
			return err
		}
	}

	// verify the root is self-consistent before trusting it
	if _, err := trustedmetadata.New(rootBytes); err != nil {
		return err
	}

	store, err := localstore.NewFileStore(metadataDir)
	if err != nil {
		return err
	}
	if err := store.Save(metadata.ROOT, rootBytes); err != nil {
		return err
	}

	fmt.Println("Initialization successful")
	return nil
}

// prepareEnvironment creates the metadata and download folders under
// the working directory.
func prepareEnvironment() (string, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	metadataDir := filepath.Join(cwd, DefaultMetadataDir)
	downloadDir := filepath.Join(cwd, DefaultDownloadDir)

	if err := os.MkdirAll(metadataDir, 0750); err != nil {
		return "", "", fmt.Errorf("failed to create local metadata folder: %w", err)
	}
	if err := os.MkdirAll(downloadDir, 0750); err != nil {
		return "", "", fmt.Errorf("failed to create download folder: %w", err)
	}
	return metadataDir, downloadDir, nil
}
