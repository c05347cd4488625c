// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatetrust/go-updatetrust/metadata"
	"github.com/updatetrust/go-updatetrust/metadata/localstore"
	"github.com/updatetrust/go-updatetrust/testutils/repotest"
)

const (
	metadataURL = "https://example.com/repo/metadata"
	targetsURL  = "https://example.com/repo/targets"
)

func emptyTargets(sim *repotest.RepositorySimulator) metadata.TargetsType {
	return metadata.TargetsType{
		Type:        metadata.TARGETS,
		SpecVersion: metadata.SPECIFICATION_VERSION,
		Version:     1,
		Expires:     sim.SafeExpiry,
		Targets:     map[string]*metadata.TargetFiles{},
	}
}

func newTestUpdater(t *testing.T, sim *repotest.RepositorySimulator, store localstore.LocalStore) *Updater {
	t.Helper()
	up, err := New(sim.SignedRoots[0], metadataURL, targetsURL, t.TempDir(), sim, store)
	require.NoError(t, err)
	return up
}

func TestRefresh(t *testing.T) {
	sim := repotest.NewRepository()
	up := newTestUpdater(t, sim, nil)

	require.NoError(t, up.Refresh())
	trusted := up.Trusted()
	assert.Equal(t, int64(1), trusted.Root.Signed.Version)
	assert.Equal(t, int64(1), trusted.Timestamp.Signed.Version)
	assert.Equal(t, int64(1), trusted.Snapshot.Signed.Version)
	require.NotNil(t, trusted.Targets[metadata.TARGETS])
	assert.Equal(t, int64(1), trusted.Targets[metadata.TARGETS].Signed.Version)
}

func TestRefreshPersistsMetadata(t *testing.T) {
	sim := repotest.NewRepository()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(dir)
	require.NoError(t, err)

	up := newTestUpdater(t, sim, store)
	require.NoError(t, up.Refresh())

	for _, role := range metadata.TopLevelRoleNames() {
		data, err := store.Load(role)
		require.NoError(t, err, "expected %s in the local store", role)
		assert.NotEmpty(t, data)
	}
}

func TestRefreshRootRotation(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Root.Signed.Version++
	sim.PublishRoot()
	sim.Root.Signed.Version++
	sim.PublishRoot()

	up := newTestUpdater(t, sim, nil)
	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(3), up.Trusted().Root.Signed.Version)
}

func TestRefreshRootRotationCapped(t *testing.T) {
	sim := repotest.NewRepository()
	for i := 0; i < 3; i++ {
		sim.Root.Signed.Version++
		sim.PublishRoot()
	}

	up := newTestUpdater(t, sim, nil)
	up.Config().MaxRootRotations = 2
	require.NoError(t, up.Refresh())
	// only two rotations were applied
	assert.Equal(t, int64(3), up.Trusted().Root.Signed.Version)
}

func TestSecondRefreshUsesCache(t *testing.T) {
	sim := repotest.NewRepository()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(dir)
	require.NoError(t, err)

	up := newTestUpdater(t, sim, store)
	require.NoError(t, up.Refresh())

	// a fresh updater over the same store sees an unchanged repository
	sim.MetadataFetches = map[string]int{}
	up2 := newTestUpdater(t, sim, store)
	require.NoError(t, up2.Refresh())

	// timestamp is always fetched, snapshot and targets come from the
	// cache because nothing moved
	assert.Equal(t, 1, sim.MetadataFetches[metadata.TIMESTAMP])
	assert.Equal(t, 0, sim.MetadataFetches[metadata.SNAPSHOT])
	assert.Equal(t, 0, sim.MetadataFetches[metadata.TARGETS])
}

func TestRefreshPicksUpNewVersions(t *testing.T) {
	sim := repotest.NewRepository()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(dir)
	require.NoError(t, err)

	up := newTestUpdater(t, sim, store)
	require.NoError(t, up.Refresh())

	sim.Targets.Signed.Version++
	sim.BumpSnapshot()

	up2 := newTestUpdater(t, sim, store)
	require.NoError(t, up2.Refresh())
	trusted := up2.Trusted()
	assert.Equal(t, int64(2), trusted.Timestamp.Signed.Version)
	assert.Equal(t, int64(2), trusted.Snapshot.Signed.Version)
	assert.Equal(t, int64(2), trusted.Targets[metadata.TARGETS].Signed.Version)
}

func TestGetTargetInfoTopLevel(t *testing.T) {
	sim := repotest.NewRepository()
	content := []byte("hello world")
	sim.AddTarget(metadata.TARGETS, content, "file.txt")
	sim.Targets.Signed.Version++
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	// GetTargetInfo refreshes implicitly
	info, err := up.GetTargetInfo("file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Length)
	assert.Equal(t, "file.txt", info.Path)

	_, err = up.GetTargetInfo("missing.txt")
	assert.ErrorIs(t, err, metadata.ErrTargetNotFound{Target: "missing.txt"})
}

func TestGetTargetInfoFollowsDelegations(t *testing.T) {
	sim := repotest.NewRepository()
	// "outer" claims the namespace but does not hold the file; the walk
	// must continue to "inner" declared after it
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name:      "outer",
		Paths:     []string{"files/*"},
		Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name:      "inner",
		Paths:     []string{"files/*"},
		Threshold: 1,
	}, emptyTargets(sim))
	content := []byte("delegated content")
	sim.AddTarget("inner", content, "files/f.txt")
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	info, err := up.GetTargetInfo("files/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Length)
}

func TestTerminatingDelegationStopsSearch(t *testing.T) {
	sim := repotest.NewRepository()
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name:        "closed",
		Paths:       []string{"files/*"},
		Threshold:   1,
		Terminating: true,
	}, emptyTargets(sim))
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name:      "open",
		Paths:     []string{"files/*"},
		Threshold: 1,
	}, emptyTargets(sim))
	// the file lives in a role declared after the terminating one, so
	// it must not be found
	sim.AddTarget("open", []byte("unreachable"), "files/f.txt")
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	_, err := up.GetTargetInfo("files/f.txt")
	assert.ErrorIs(t, err, metadata.ErrTargetNotFound{Target: "files/f.txt"})

	// a path outside the terminating namespace is unaffected
	_, err = up.GetTargetInfo("other.txt")
	assert.ErrorIs(t, err, metadata.ErrTargetNotFound{Target: "other.txt"})
}

func TestSuccinctDelegationLookup(t *testing.T) {
	sim := repotest.NewRepository()
	sim.AddSuccinctRoles(metadata.TARGETS, 4, "bin")
	path := "files/hello.txt"
	binName := sim.Targets.Signed.Delegations.SuccinctRoles.GetRoleForTarget(path)
	content := []byte("binned content")
	sim.AddTarget(binName, content, path)
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	info, err := up.GetTargetInfo(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Length)

	// only the responsible bin was fetched
	assert.Equal(t, 1, sim.MetadataFetches[binName])
}

func TestSharedDelegateVisitedOnce(t *testing.T) {
	sim := repotest.NewRepository()
	// "shared" is reachable through both "left" and "right"; the walk
	// must expand it once, so four roles fit a budget of four
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name: "left", Paths: []string{"files/*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name: "right", Paths: []string{"files/*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation("left", metadata.DelegatedRole{
		Name: "shared", Paths: []string{"files/*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation("right", metadata.DelegatedRole{
		Name: "shared", Paths: []string{"files/*"}, Threshold: 1,
	}, emptyTargets(sim))
	content := []byte("shared content")
	sim.AddTarget("shared", content, "files/f.txt")
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	up.Config().MaxDelegations = 4
	info, err := up.GetTargetInfo("files/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Length)

	// a miss walks the whole graph and must still stay within budget
	_, err = up.GetTargetInfo("files/missing.txt")
	assert.ErrorIs(t, err, metadata.ErrTargetNotFound{Target: "files/missing.txt"})
	assert.Equal(t, 1, sim.MetadataFetches["shared"])
}

func TestMaxDelegationsExceeded(t *testing.T) {
	sim := repotest.NewRepository()
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name: "a", Paths: []string{"*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation("a", metadata.DelegatedRole{
		Name: "b", Paths: []string{"*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	up.Config().MaxDelegations = 2
	_, err := up.GetTargetInfo("f.txt")
	assert.ErrorIs(t, err, metadata.ErrMaxDelegations{Target: "f.txt", MaxDelegations: 2})
}

func TestMaxDelegationDepthExceeded(t *testing.T) {
	sim := repotest.NewRepository()
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name: "a", Paths: []string{"*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.AddDelegation("a", metadata.DelegatedRole{
		Name: "b", Paths: []string{"*"}, Threshold: 1,
	}, emptyTargets(sim))
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	up.Config().MaxDelegationDepth = 1
	_, err := up.GetTargetInfo("f.txt")
	assert.ErrorIs(t, err, metadata.ErrMaxDelegationDepth{Target: "f.txt", MaxDepth: 1})
}

func TestDownloadTarget(t *testing.T) {
	sim := repotest.NewRepository()
	content := []byte("hello download")
	sim.AddTarget(metadata.TARGETS, content, "files/f.txt")
	sim.Targets.Signed.Version++
	sim.BumpSnapshot()

	targetDir := t.TempDir()
	up, err := New(sim.SignedRoots[0], metadataURL, targetsURL, targetDir, sim, nil)
	require.NoError(t, err)

	info, err := up.GetTargetInfo("files/f.txt")
	require.NoError(t, err)

	// nothing cached before the download
	path, err := up.FindCachedTarget(info, "")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = up.DownloadTarget(info, "", "")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// now the cached copy is found
	cached, err := up.FindCachedTarget(info, "")
	require.NoError(t, err)
	assert.Equal(t, path, cached)

	// a tampered cached copy is ignored
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))
	cached, err = up.FindCachedTarget(info, "")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestDownloadTargetToExplicitPath(t *testing.T) {
	sim := repotest.NewRepository()
	content := []byte("explicit path")
	sim.AddTarget(metadata.TARGETS, content, "f.txt")
	sim.Targets.Signed.Version++
	sim.BumpSnapshot()

	up := newTestUpdater(t, sim, nil)
	info, err := up.GetTargetInfo("f.txt")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.bin")
	path, err := up.DownloadTarget(info, dest, "")
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestBootstrapFromLocalStore(t *testing.T) {
	sim := repotest.NewRepository()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(metadata.ROOT, sim.SignedRoots[0]))

	up, err := New(nil, metadataURL, targetsURL, t.TempDir(), sim, store)
	require.NoError(t, err)
	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(1), up.Trusted().Root.Signed.Version)
}

func TestBootstrapWithoutRootFails(t *testing.T) {
	sim := repotest.NewRepository()
	_, err := New(nil, metadataURL, targetsURL, t.TempDir(), sim, nil)
	assert.Error(t, err)
}

func TestRefreshFailureKeepsCacheIntact(t *testing.T) {
	sim := repotest.NewRepository()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(dir)
	require.NoError(t, err)

	up := newTestUpdater(t, sim, store)
	require.NoError(t, up.Refresh())
	cachedSnapshot, err := store.Load(metadata.SNAPSHOT)
	require.NoError(t, err)

	// serve an expired timestamp; the refresh must fail without
	// touching the cached snapshot
	sim.Timestamp.Signed.Expires = time.Now().UTC().Add(-time.Hour)
	sim.BumpTimestamp()

	up2 := newTestUpdater(t, sim, store)
	err = up2.Refresh()
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})

	stillCached, err := store.Load(metadata.SNAPSHOT)
	require.NoError(t, err)
	assert.Equal(t, cachedSnapshot, stillCached)
}
