// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// trust-client is a command line client for update repositories: it
// bootstraps trust from a root metadata file, refreshes the trusted
// metadata set and downloads verified target files.
package main

import (
	"github.com/updatetrust/go-updatetrust/cmd/trust-client/cmd"
)

func main() {
	cmd.Execute()
}
