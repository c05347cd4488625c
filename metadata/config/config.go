// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package config

import "time"

// UpdaterConfig bounds the work a refresh or target lookup may do and
// carries the fetch limits handed to the Fetcher (the defense against
// endless-data responses).
type UpdaterConfig struct {
	// MaxRootRotations caps the root rotation loop within one refresh.
	MaxRootRotations int64
	// MaxDelegations caps the total delegated roles visited during one
	// target lookup.
	MaxDelegations int
	// MaxDelegationDepth caps how deep a target lookup may descend into
	// the delegation graph.
	MaxDelegationDepth int
	RootMaxLength      int64
	TimestampMaxLength int64
	SnapshotMaxLength  int64
	TargetsMaxLength   int64
	// FetchTimeout is handed to the fetcher on every call; retry policy
	// stays entirely inside the fetcher.
	FetchTimeout time.Duration
	// PrefixTargetsWithHash enables hash-prefixed target file names when
	// the repository uses consistent snapshots.
	PrefixTargetsWithHash bool
	// DisableLocalCache skips reading and persisting metadata through
	// the local store.
	DisableLocalCache bool
}

// New returns an UpdaterConfig with the default bounds.
func New() *UpdaterConfig {
	return &UpdaterConfig{
		MaxRootRotations:      32,
		MaxDelegations:        32,
		MaxDelegationDepth:    32,
		RootMaxLength:         512000,  // bytes
		TimestampMaxLength:    16384,   // bytes
		SnapshotMaxLength:     2000000, // bytes
		TargetsMaxLength:      5000000, // bytes
		FetchTimeout:          15 * time.Second,
		PrefixTargetsWithHash: true,
	}
}
