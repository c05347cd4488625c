// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var ForceDelete bool

var resetCmd = &cobra.Command{
	Use:     "reset",
	Aliases: []string{"r"},
	Short:   "Resets the local environment. Warning: this deletes both the metadata and download folders and all of their contents",
	Args:    cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ResetCmd()
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&ForceDelete, "force", "f", false, "force delete without waiting for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func ResetCmd() error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current working directory: %w", err)
	}
	for _, dir := range []string{
		filepath.Join(cwd, DefaultMetadataDir),
		filepath.Join(cwd, DefaultDownloadDir),
	} {
		fmt.Printf("Warning: Are you sure you want to delete the \"%s\" folder and all of its contents? (y/n)\n", dir)
		if ForceDelete || askForConfirmation() {
			os.RemoveAll(dir)
			fmt.Printf("Folder %s was successfully deleted\n", dir)
		} else {
			fmt.Printf("Folder \"%s\" was not deleted\n", dir)
		}
	}
	return nil
}

func askForConfirmation() bool {
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	switch strings.ToLower(response) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		fmt.Println("Please type (y)es or (n)o and then press enter:")
		return askForConfirmation()
	}
}
