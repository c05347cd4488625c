// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package trustedmetadata holds the client's current trusted metadata
// and enforces the update workflow on every candidate it is offered.
//
// A TrustedMetadata instance keeps at most one trusted metadata
// instance per role and only ever moves forward: roles load in the
// strict order root, timestamp, snapshot, targets, delegated targets,
// and a candidate that fails any check is discarded without touching
// the trusted copy. Instances are not safe for concurrent use; callers
// serialize access.
package trustedmetadata

import (
	"fmt"
	"time"

	"github.com/updatetrust/go-updatetrust/metadata"
)

// TrustedMetadata is one trust context: the trusted metadata per role
// plus the reference time every expiry is judged against. Multiple
// independent instances (for multiple repositories) may coexist in one
// process; nothing here is global.
type TrustedMetadata struct {
	Root      *metadata.Metadata[metadata.RootType]
	Timestamp *metadata.Metadata[metadata.TimestampType]
	Snapshot  *metadata.Metadata[metadata.SnapshotType]
	Targets   map[string]*metadata.Metadata[metadata.TargetsType]
	RefTime   time.Time
}

// New bootstraps a trust context from pinned or previously cached root
// metadata. The initial root only has to be consistent with itself:
// signed by a threshold of the root keys it declares. An expired
// initial root is accepted here; root expiry is checked when the
// timestamp loads, so that a rotation chain can still move trust
// forward past an expired cached root.
func New(rootData []byte) (*TrustedMetadata, error) {
	trusted := &TrustedMetadata{
		Targets: map[string]*metadata.Metadata[metadata.TargetsType]{},
		RefTime: time.Now().UTC(),
	}
	if err := trusted.loadTrustedRoot(rootData); err != nil {
		return nil, err
	}
	return trusted, nil
}

func (trusted *TrustedMetadata) loadTrustedRoot(rootData []byte) error {
	log := metadata.GetLogger()
	newRoot, err := metadata.Root().FromBytes(rootData)
	if err != nil {
		return err
	}
	if err := newRoot.VerifyDelegate(metadata.ROOT, newRoot); err != nil {
		return err
	}
	trusted.Root = newRoot
	log.Info("Loaded trusted root", "version", newRoot.Signed.Version)
	return nil
}

// UpdateRoot offers rootData as the next root in a rotation chain. The
// candidate must carry exactly the trusted version plus one and must be
// signed by a threshold of the current trusted root's root keys and by
// a threshold of its own declared root keys, so a rotation never opens
// a trust gap in either direction. Intermediate roots are allowed to be
// expired; only the final root of the chain is checked, when the
// timestamp loads.
func (trusted *TrustedMetadata) UpdateRoot(rootData []byte) (*metadata.Metadata[metadata.RootType], error) {
	log := metadata.GetLogger()
	if trusted.Timestamp != nil {
		return nil, metadata.ErrRuntime{Msg: "cannot update root after timestamp"}
	}
	newRoot, err := metadata.Root().FromBytes(rootData)
	if err != nil {
		return nil, err
	}
	// old root must authorize the candidate
	if err := trusted.Root.VerifyDelegate(metadata.ROOT, newRoot); err != nil {
		return nil, err
	}
	if newRoot.Signed.Version != trusted.Root.Signed.Version+1 {
		return nil, metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("expected root version %d instead got version %d", trusted.Root.Signed.Version+1, newRoot.Signed.Version)}
	}
	// and the candidate must authorize itself, completing the rotation
	if err := newRoot.VerifyDelegate(metadata.ROOT, newRoot); err != nil {
		return nil, err
	}
	trusted.Root = newRoot
	log.Info("Updated root", "version", newRoot.Signed.Version)
	return trusted.Root, nil
}

// UpdateTimestamp offers timestampData as the new timestamp. The final
// root must be unexpired, the candidate must be signed by a threshold
// of the root's timestamp keys, its version must move forward, and the
// snapshot version it references must never move backwards relative to
// the trusted timestamp (the mix-and-match defense).
//
// A candidate carrying exactly the trusted version is reported as
// metadata.ErrEqualVersionNumber and the trusted timestamp is kept; the
// updater treats that as "nothing new". An expired candidate is stored
// for rollback anchoring but returned together with
// metadata.ErrExpiredMetadata; it blocks the snapshot from loading.
func (trusted *TrustedMetadata) UpdateTimestamp(timestampData []byte) (*metadata.Metadata[metadata.TimestampType], error) {
	log := metadata.GetLogger()
	if trusted.Snapshot != nil {
		return nil, metadata.ErrRuntime{Msg: "cannot update timestamp after snapshot"}
	}
	// the rotation loop ended before this point, so this is the final
	// root and its expiry counts
	if trusted.Root.Signed.IsExpired(trusted.RefTime) {
		return nil, metadata.ErrExpiredMetadata{Msg: "final root.json is expired"}
	}
	newTimestamp, err := metadata.Timestamp().FromBytes(timestampData)
	if err != nil {
		return nil, err
	}
	if err := trusted.Root.VerifyDelegate(metadata.TIMESTAMP, newTimestamp); err != nil {
		return nil, err
	}
	if trusted.Timestamp != nil {
		if newTimestamp.Signed.Version < trusted.Timestamp.Signed.Version {
			return nil, metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("new timestamp version %d must be >= %d", newTimestamp.Signed.Version, trusted.Timestamp.Signed.Version)}
		}
		if newTimestamp.Signed.Version == trusted.Timestamp.Signed.Version {
			return nil, metadata.ErrEqualVersionNumber{Msg: fmt.Sprintf("new timestamp version %d equals the old one %d", newTimestamp.Signed.Version, trusted.Timestamp.Signed.Version)}
		}
		snapshotMeta := trusted.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)]
		newSnapshotMeta := newTimestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)]
		if newSnapshotMeta == nil || snapshotMeta == nil {
			return nil, metadata.ErrValue{Msg: "timestamp metadata is missing its snapshot entry"}
		}
		if newSnapshotMeta.Version < snapshotMeta.Version {
			return nil, metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("new snapshot version %d must be >= %d", newSnapshotMeta.Version, snapshotMeta.Version)}
		}
	} else if newTimestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)] == nil {
		return nil, metadata.ErrValue{Msg: "timestamp metadata is missing its snapshot entry"}
	}
	// expiry deliberately not checked before this point so an expired
	// candidate can still anchor rollback protection for a newer one
	trusted.Timestamp = newTimestamp
	log.Info("Updated timestamp", "version", newTimestamp.Signed.Version)
	if err := trusted.checkFinalTimestamp(); err != nil {
		return trusted.Timestamp, err
	}
	return trusted.Timestamp, nil
}

func (trusted *TrustedMetadata) checkFinalTimestamp() error {
	if trusted.Timestamp.Signed.IsExpired(trusted.RefTime) {
		return metadata.ErrExpiredMetadata{Msg: "timestamp.json is expired"}
	}
	return nil
}

// UpdateSnapshot offers snapshotData as the new snapshot. The trusted
// timestamp gates it: the data must match the timestamp's recorded
// length and hashes (skipped for isTrusted data that was verified in an
// earlier session), must be signed by a threshold of the root's
// snapshot keys, and may never roll back the version of any targets
// file recorded in the currently trusted snapshot, nor drop one.
//
// The candidate version is only compared to the timestamp's referenced
// version in the final check, so an intermediate snapshot can anchor
// rollback protection; a snapshot failing the final check is returned
// together with the error and blocks targets from loading.
func (trusted *TrustedMetadata) UpdateSnapshot(snapshotData []byte, isTrusted bool) (*metadata.Metadata[metadata.SnapshotType], error) {
	log := metadata.GetLogger()
	if trusted.Timestamp == nil {
		return nil, metadata.ErrRuntime{Msg: "cannot update snapshot before timestamp"}
	}
	if trusted.Targets[metadata.TARGETS] != nil {
		return nil, metadata.ErrRuntime{Msg: "cannot update snapshot after targets"}
	}
	// an expired timestamp blocks everything downstream of it
	if err := trusted.checkFinalTimestamp(); err != nil {
		return nil, err
	}
	snapshotMeta := trusted.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)]
	if !isTrusted {
		if err := snapshotMeta.VerifyLengthHashes(snapshotData); err != nil {
			return nil, err
		}
	}
	newSnapshot, err := metadata.Snapshot().FromBytes(snapshotData)
	if err != nil {
		return nil, err
	}
	if err := trusted.Root.VerifyDelegate(metadata.SNAPSHOT, newSnapshot); err != nil {
		return nil, err
	}
	if trusted.Snapshot != nil {
		for name, info := range trusted.Snapshot.Signed.Meta {
			newInfo, ok := newSnapshot.Signed.Meta[name]
			if !ok {
				return nil, metadata.ErrRepository{Msg: fmt.Sprintf("new snapshot is missing info for %s", name)}
			}
			if newInfo.Version < info.Version {
				return nil, metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("expected %s version %d, got %d", name, info.Version, newInfo.Version)}
			}
		}
	}
	trusted.Snapshot = newSnapshot
	log.Info("Updated snapshot", "version", newSnapshot.Signed.Version)
	if err := trusted.checkFinalSnapshot(); err != nil {
		return trusted.Snapshot, err
	}
	return trusted.Snapshot, nil
}

// checkFinalSnapshot enforces the two conditions an intermediate
// snapshot may still violate: it must be unexpired and its version
// must be exactly the one the trusted timestamp references.
func (trusted *TrustedMetadata) checkFinalSnapshot() error {
	if trusted.Snapshot.Signed.IsExpired(trusted.RefTime) {
		return metadata.ErrExpiredMetadata{Msg: "snapshot.json is expired"}
	}
	snapshotMeta := trusted.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)]
	if trusted.Snapshot.Signed.Version != snapshotMeta.Version {
		return metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("expected snapshot version %d, got %d", snapshotMeta.Version, trusted.Snapshot.Signed.Version)}
	}
	return nil
}

// UpdateTargets offers targetsData as the new top level targets
// metadata, delegated by root.
func (trusted *TrustedMetadata) UpdateTargets(targetsData []byte) (*metadata.Metadata[metadata.TargetsType], error) {
	return trusted.UpdateDelegatedTargets(targetsData, metadata.TARGETS, metadata.ROOT)
}

// UpdateDelegatedTargets offers targetsData as new metadata for the
// targets role roleName, delegated by delegatorName (root for the top
// level role, otherwise an already loaded targets role). The data must
// match the trusted snapshot's length/hashes for the role's file, be
// signed by a threshold of the keys the delegator assigns to the role,
// carry exactly the version the snapshot records for the file, and be
// unexpired.
func (trusted *TrustedMetadata) UpdateDelegatedTargets(targetsData []byte, roleName, delegatorName string) (*metadata.Metadata[metadata.TargetsType], error) {
	log := metadata.GetLogger()
	if trusted.Snapshot == nil {
		return nil, metadata.ErrRuntime{Msg: "cannot load targets before snapshot"}
	}
	// a non-final snapshot blocks all targets
	if err := trusted.checkFinalSnapshot(); err != nil {
		return nil, err
	}
	var delegatorIsRoot bool
	switch delegatorName {
	case metadata.ROOT:
		delegatorIsRoot = true
	default:
		if _, ok := trusted.Targets[delegatorName]; !ok {
			return nil, metadata.ErrRuntime{Msg: "cannot load targets before delegator"}
		}
	}
	meta, ok := trusted.Snapshot.Signed.Meta[metadata.MetaFileName(roleName)]
	if !ok {
		return nil, metadata.ErrRepository{Msg: fmt.Sprintf("snapshot does not contain information for %s", roleName)}
	}
	if err := meta.VerifyLengthHashes(targetsData); err != nil {
		return nil, err
	}
	newDelegate, err := metadata.Targets().FromBytes(targetsData)
	if err != nil {
		return nil, err
	}
	if delegatorIsRoot {
		err = trusted.Root.VerifyDelegate(roleName, newDelegate)
	} else {
		err = trusted.Targets[delegatorName].VerifyDelegate(roleName, newDelegate)
	}
	if err != nil {
		return nil, err
	}
	if newDelegate.Signed.Version != meta.Version {
		return nil, metadata.ErrBadVersionNumber{Msg: fmt.Sprintf("expected %s version %d, got %d", roleName, meta.Version, newDelegate.Signed.Version)}
	}
	if newDelegate.Signed.IsExpired(trusted.RefTime) {
		return nil, metadata.ErrExpiredMetadata{Msg: fmt.Sprintf("new %s is expired", roleName)}
	}
	trusted.Targets[roleName] = newDelegate
	log.Info("Updated targets", "role", roleName, "delegator", delegatorName, "version", newDelegate.Signed.Version)
	return newDelegate, nil
}
