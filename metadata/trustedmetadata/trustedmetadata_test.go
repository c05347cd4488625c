// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package trustedmetadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatetrust/go-updatetrust/metadata"
	"github.com/updatetrust/go-updatetrust/testutils/repotest"
)

const fetchLimit = int64(1 << 20)

func fetchRole(t *testing.T, sim *repotest.RepositorySimulator, name string) []byte {
	t.Helper()
	data, err := sim.DownloadFile("/metadata/"+name+".json", fetchLimit, 0)
	require.NoError(t, err)
	return data
}

func newTrusted(t *testing.T, sim *repotest.RepositorySimulator) *TrustedMetadata {
	t.Helper()
	trusted, err := New(sim.SignedRoots[0])
	require.NoError(t, err)
	return trusted
}

func TestUpdateWorkflow(t *testing.T) {
	sim := repotest.NewRepository()
	sim.AddDelegation(metadata.TARGETS, metadata.DelegatedRole{
		Name:      "role1",
		Paths:     []string{"files/*"},
		Threshold: 1,
	}, metadata.TargetsType{
		Type:        metadata.TARGETS,
		SpecVersion: metadata.SPECIFICATION_VERSION,
		Version:     1,
		Expires:     sim.SafeExpiry,
		Targets:     map[string]*metadata.TargetFiles{},
	})
	sim.BumpSnapshot()

	trusted := newTrusted(t, sim)

	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Timestamp.Signed.Version)

	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Snapshot.Signed.Version)

	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	require.NoError(t, err)
	require.NotNil(t, trusted.Targets[metadata.TARGETS])

	_, err = trusted.UpdateDelegatedTargets(fetchRole(t, sim, "role1"), "role1", metadata.TARGETS)
	require.NoError(t, err)
	assert.NotNil(t, trusted.Targets["role1"])
}

func TestOutOfOrderOperations(t *testing.T) {
	sim := repotest.NewRepository()
	trusted := newTrusted(t, sim)

	// snapshot before timestamp
	_, err := trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	assert.IsType(t, metadata.ErrRuntime{}, err)

	// targets before snapshot
	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	assert.IsType(t, metadata.ErrRuntime{}, err)

	_, err = trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)

	// root after timestamp
	_, err = trusted.UpdateRoot(sim.SignedRoots[0])
	assert.IsType(t, metadata.ErrRuntime{}, err)

	// delegated targets before the delegator is loaded
	_, err = trusted.UpdateDelegatedTargets(fetchRole(t, sim, metadata.TARGETS), "role1", metadata.TARGETS)
	assert.IsType(t, metadata.ErrRuntime{}, err)

	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	require.NoError(t, err)

	// timestamp after snapshot
	_, err = trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	assert.IsType(t, metadata.ErrRuntime{}, err)

	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	require.NoError(t, err)

	// snapshot after targets
	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	assert.IsType(t, metadata.ErrRuntime{}, err)
}

func TestRootRotation(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Root.Signed.Version++
	sim.PublishRoot()
	sim.Root.Signed.Version++
	sim.PublishRoot()

	trusted := newTrusted(t, sim)

	// versions must be applied one at a time
	_, err := trusted.UpdateRoot(sim.SignedRoots[2])
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})

	_, err = trusted.UpdateRoot(sim.SignedRoots[1])
	require.NoError(t, err)
	_, err = trusted.UpdateRoot(sim.SignedRoots[2])
	require.NoError(t, err)
	assert.Equal(t, int64(3), trusted.Root.Signed.Version)

	// replaying an older version is a rollback
	_, err = trusted.UpdateRoot(sim.SignedRoots[1])
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
}

func TestRootRotationRequiresOldKeys(t *testing.T) {
	sim := repotest.NewRepository()

	// a new root signed only by its own new keys must be rejected by
	// the trusted root
	sim.RotateKeys(metadata.ROOT)
	sim.Root.Signed.Version++
	sim.PublishRoot()

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateRoot(sim.SignedRoots[1])
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{})
	assert.Equal(t, int64(1), trusted.Root.Signed.Version)
}

func TestRootRotationWithKeyRotation(t *testing.T) {
	sim := repotest.NewRepository()

	// keep the old signers around so the new root carries both
	// generations of signatures
	savedSigners := sim.Signers[metadata.ROOT]
	sim.RotateKeys(metadata.ROOT)
	for keyID, signer := range savedSigners {
		sim.AddSigner(metadata.ROOT, keyID, signer)
	}
	sim.Root.Signed.Version++
	sim.PublishRoot()

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateRoot(sim.SignedRoots[1])
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Root.Signed.Version)
}

func TestExpiredFinalRootBlocksTimestamp(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Root.Signed.Expires = time.Now().UTC().Add(-time.Hour)
	sim.PublishRoot()
	expiredRoot := sim.SignedRoots[len(sim.SignedRoots)-1]

	// bootstrapping from an expired root is allowed
	trusted, err := New(expiredRoot)
	require.NoError(t, err)

	// loading the timestamp is not
	_, err = trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
}

func TestExpiredIntermediateRootAccepted(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Root.Signed.Version++
	sim.Root.Signed.Expires = time.Now().UTC().Add(-time.Hour)
	sim.PublishRoot()
	sim.Root.Signed.Version++
	sim.Root.Signed.Expires = sim.SafeExpiry
	sim.PublishRoot()

	trusted := newTrusted(t, sim)
	// the expired v2 is accepted as a stepping stone to v3
	_, err := trusted.UpdateRoot(sim.SignedRoots[1])
	require.NoError(t, err)
	_, err = trusted.UpdateRoot(sim.SignedRoots[2])
	require.NoError(t, err)

	_, err = trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	assert.NoError(t, err)
}

func TestTimestampRollback(t *testing.T) {
	sim := repotest.NewRepository()
	v1 := fetchRole(t, sim, metadata.TIMESTAMP)
	sim.BumpTimestamp()
	v2 := fetchRole(t, sim, metadata.TIMESTAMP)

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(v2)
	require.NoError(t, err)

	// an older timestamp must not replace the trusted one
	_, err = trusted.UpdateTimestamp(v1)
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
	assert.Equal(t, int64(2), trusted.Timestamp.Signed.Version)

	// the same version is reported as equal, not as a failure, and the
	// trusted copy stays
	_, err = trusted.UpdateTimestamp(v2)
	assert.ErrorIs(t, err, metadata.ErrEqualVersionNumber{})
	assert.Equal(t, int64(2), trusted.Timestamp.Signed.Version)
}

func TestTimestampSnapshotRollback(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Snapshot.Signed.Version = 2
	sim.BumpTimestamp()
	trustedBytes := fetchRole(t, sim, metadata.TIMESTAMP)

	// a newer timestamp that references an older snapshot version is a
	// mix-and-match attack
	sim.Snapshot.Signed.Version = 1
	sim.BumpTimestamp()
	rollbackBytes := fetchRole(t, sim, metadata.TIMESTAMP)

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(trustedBytes)
	require.NoError(t, err)

	_, err = trusted.UpdateTimestamp(rollbackBytes)
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
	assert.Equal(t, int64(2), trusted.Timestamp.Signed.Version)
}

func TestExpiredTimestampBlocksSnapshot(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Timestamp.Signed.Expires = time.Now().UTC().Add(-time.Hour)

	trusted := newTrusted(t, sim)
	// the expired timestamp is stored for rollback anchoring but the
	// error is reported
	ts, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
	assert.NotNil(t, ts)
	require.NotNil(t, trusted.Timestamp)

	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
}

func TestSnapshotLengthHashMismatch(t *testing.T) {
	sim := repotest.NewRepository()
	sim.ComputeMetafileHashesAndLength = true
	sim.BumpSnapshot()

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)

	tampered := append(fetchRole(t, sim, metadata.SNAPSHOT), ' ')
	_, err = trusted.UpdateSnapshot(tampered, false)
	assert.ErrorIs(t, err, metadata.ErrLengthOrHashMismatch{})

	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	assert.NoError(t, err)
}

func TestSnapshotFileRollback(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Snapshot.Signed.Meta[metadata.MetaFileName(metadata.TARGETS)].Version = 2
	forward := fetchRole(t, sim, metadata.SNAPSHOT)
	sim.Snapshot.Signed.Meta[metadata.MetaFileName(metadata.TARGETS)].Version = 1
	rollback := fetchRole(t, sim, metadata.SNAPSHOT)

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)

	_, err = trusted.UpdateSnapshot(forward, false)
	require.NoError(t, err)

	// a snapshot may never lower the version of a targets file
	_, err = trusted.UpdateSnapshot(rollback, false)
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
}

func TestSnapshotMissingFileInfo(t *testing.T) {
	sim := repotest.NewRepository()
	withTargets := fetchRole(t, sim, metadata.SNAPSHOT)
	delete(sim.Snapshot.Signed.Meta, metadata.MetaFileName(metadata.TARGETS))
	withoutTargets := fetchRole(t, sim, metadata.SNAPSHOT)

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)
	_, err = trusted.UpdateSnapshot(withTargets, false)
	require.NoError(t, err)

	// dropping a tracked file from the snapshot is an attack too
	_, err = trusted.UpdateSnapshot(withoutTargets, false)
	assert.ErrorIs(t, err, metadata.ErrRepository{})
}

func TestSnapshotFinalVersionMustMatchTimestamp(t *testing.T) {
	sim := repotest.NewRepository()
	snapshotBytes := fetchRole(t, sim, metadata.SNAPSHOT)

	// timestamp references snapshot v3 but the repository serves v1
	sim.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)].Version = 3
	sim.Timestamp.Signed.Version++

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)

	// the snapshot is stored as an intermediate but reported non-final
	snap, err := trusted.UpdateSnapshot(snapshotBytes, false)
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
	assert.NotNil(t, snap)

	// and it blocks targets from loading
	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})
}

func TestTargetsWrongVersion(t *testing.T) {
	sim := repotest.NewRepository()
	staleTargets := fetchRole(t, sim, metadata.TARGETS)
	sim.Targets.Signed.Version = 2
	sim.BumpSnapshot()

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)
	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	require.NoError(t, err)

	// the snapshot records v2; serving v1 again is a rollback
	_, err = trusted.UpdateTargets(staleTargets)
	assert.ErrorIs(t, err, metadata.ErrBadVersionNumber{})

	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	assert.NoError(t, err)
}

func TestExpiredTargetsRejected(t *testing.T) {
	sim := repotest.NewRepository()
	sim.Targets.Signed.Expires = time.Now().UTC().Add(-time.Hour)

	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)
	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	require.NoError(t, err)

	_, err = trusted.UpdateTargets(fetchRole(t, sim, metadata.TARGETS))
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
	assert.Nil(t, trusted.Targets[metadata.TARGETS])
}

func TestTargetsSignedByWrongRole(t *testing.T) {
	sim := repotest.NewRepository()
	trusted := newTrusted(t, sim)
	_, err := trusted.UpdateTimestamp(fetchRole(t, sim, metadata.TIMESTAMP))
	require.NoError(t, err)
	_, err = trusted.UpdateSnapshot(fetchRole(t, sim, metadata.SNAPSHOT), false)
	require.NoError(t, err)

	// re-sign the targets payload with the snapshot key
	targets, err := metadata.Targets().FromBytes(fetchRole(t, sim, metadata.TARGETS))
	require.NoError(t, err)
	targets.ClearSignatures()
	for _, signer := range sim.Signers[metadata.SNAPSHOT] {
		_, err = targets.Sign(signer)
		require.NoError(t, err)
	}
	data, err := targets.ToBytes(false)
	require.NoError(t, err)

	_, err = trusted.UpdateTargets(data)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{})
}

func TestBootstrapRejectsInvalidRoot(t *testing.T) {
	sim := repotest.NewRepository()

	// garbage
	_, err := New([]byte("no json"))
	assert.Error(t, err)

	// a valid envelope of the wrong type
	_, err = New(fetchRole(t, sim, metadata.TIMESTAMP))
	assert.Error(t, err)

	// a root not signed by its own keys
	root, err := metadata.Root().FromBytes(sim.SignedRoots[0])
	require.NoError(t, err)
	root.Signed.Version = 1
	root.ClearSignatures()
	for _, signer := range sim.Signers[metadata.SNAPSHOT] {
		_, err = root.Sign(signer)
		require.NoError(t, err)
	}
	data, err := root.ToBytes(false)
	require.NoError(t, err)
	_, err = New(data)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{})
}
