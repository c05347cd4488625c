// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package repotest simulates an update repository for client tests: it
// keeps all role metadata in memory, signs it on demand when fetched
// and implements fetcher.Fetcher, so an Updater under test "downloads"
// from it without any network or file access.
//
// Metadata is served under ".../metadata/..." URLs and target files
// under ".../targets/...". Non-root metadata can be modified directly
// and is immediately visible to clients; new root versions must be
// published explicitly:
//
//	sim := repotest.NewRepository()
//	sim.Snapshot.Signed.Version++
//
//	sim.Root.Signed.Version++
//	sim.PublishRoot()
//
//	sim.AddTarget(metadata.TARGETS, []byte("content"), "file.txt")
//	sim.Targets.Signed.Version++
//	sim.BumpSnapshot()
package repotest

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	log "github.com/sirupsen/logrus"

	"github.com/updatetrust/go-updatetrust/metadata"
)

// repositoryTarget pairs served target bytes with their metadata record.
type repositoryTarget struct {
	data       []byte
	targetFile *metadata.TargetFiles
}

// RepositorySimulator holds a complete signable repository state.
type RepositorySimulator struct {
	Root      *metadata.Metadata[metadata.RootType]
	Timestamp *metadata.Metadata[metadata.TimestampType]
	Snapshot  *metadata.Metadata[metadata.SnapshotType]
	Targets   *metadata.Metadata[metadata.TargetsType]
	Delegates map[string]*metadata.Metadata[metadata.TargetsType]

	// SignedRoots holds every published root version; other roles are
	// signed fresh on every fetch.
	SignedRoots [][]byte

	// Signers maps role name to keyid to signer.
	Signers map[string]map[string]signature.Signer

	// ComputeMetafileHashesAndLength controls whether snapshot and
	// timestamp record hashes and lengths for the files they reference.
	ComputeMetafileHashesAndLength bool

	// PrefixTargetsWithHash mirrors the client option of the same name.
	PrefixTargetsWithHash bool

	// MetadataFetches counts fetched metadata files by role name, and
	// TargetFetches by target path. Tests use these to assert which
	// files a refresh actually downloaded.
	MetadataFetches map[string]int
	TargetFetches   map[string]int

	// SafeExpiry is comfortably in the future relative to test runs.
	SafeExpiry time.Time

	targetFiles map[string]repositoryTarget
}

// NewRepository returns a minimal valid repository: four top level
// roles at version 1, one key per role, root published.
func NewRepository() *RepositorySimulator {
	now := time.Now().UTC()
	rs := &RepositorySimulator{
		Delegates:             map[string]*metadata.Metadata[metadata.TargetsType]{},
		SignedRoots:           [][]byte{},
		Signers:               map[string]map[string]signature.Signer{},
		PrefixTargetsWithHash: true,
		MetadataFetches:       map[string]int{},
		TargetFetches:         map[string]int{},
		SafeExpiry:            now.Truncate(time.Second).AddDate(0, 0, 30),
		targetFiles:           map[string]repositoryTarget{},
	}

	rs.Targets = metadata.Targets(rs.SafeExpiry)
	rs.Snapshot = metadata.Snapshot(rs.SafeExpiry)
	rs.Timestamp = metadata.Timestamp(rs.SafeExpiry)
	rs.Root = metadata.Root(rs.SafeExpiry)

	for _, role := range metadata.TopLevelRoleNames() {
		key, signer := CreateKey()
		if err := rs.Root.Signed.AddKey(key, role); err != nil {
			log.Panicf("add %s key: %v", role, err)
		}
		rs.AddSigner(role, key.ID(), signer)
	}
	rs.PublishRoot()
	return rs
}

// CreateKey generates a fresh ed25519 key pair and returns the public
// half as repository metadata plus a signer for the private half.
func CreateKey() (*metadata.Key, signature.Signer) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Panicf("generate key: %v", err)
	}
	key, err := metadata.KeyFromPublicKey(public)
	if err != nil {
		log.Panicf("convert key: %v", err)
	}
	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	if err != nil {
		log.Panicf("load signer: %v", err)
	}
	return key, signer
}

// AddSigner registers a signer for role.
func (rs *RepositorySimulator) AddSigner(role, keyID string, signer signature.Signer) {
	if _, ok := rs.Signers[role]; !ok {
		rs.Signers[role] = map[string]signature.Signer{}
	}
	rs.Signers[role][keyID] = signer
}

// RotateKeys replaces every key of role with fresh ones, keeping the
// threshold. The caller still has to bump and publish root.
func (rs *RepositorySimulator) RotateKeys(role string) {
	rs.Root.Signed.Roles[role].KeyIDs = []string{}
	rs.Signers[role] = map[string]signature.Signer{}
	for i := 0; i < rs.Root.Signed.Roles[role].Threshold; i++ {
		key, signer := CreateKey()
		if err := rs.Root.Signed.AddKey(key, role); err != nil {
			log.Panicf("rotate %s key: %v", role, err)
		}
		rs.AddSigner(role, key.ID(), signer)
	}
}

// PublishRoot signs the current root and appends it to the served
// version history.
func (rs *RepositorySimulator) PublishRoot() {
	rs.Root.ClearSignatures()
	for _, signer := range rs.Signers[metadata.ROOT] {
		if _, err := rs.Root.Sign(signer); err != nil {
			log.Panicf("sign root: %v", err)
		}
	}
	data, err := rs.Root.ToBytes(false)
	if err != nil {
		log.Panicf("serialize root: %v", err)
	}
	rs.SignedRoots = append(rs.SignedRoots, data)
	log.Debugf("published root v%d", rs.Root.Signed.Version)
}

// BumpTimestamp records the current snapshot version in timestamp meta
// and bumps the timestamp version.
func (rs *RepositorySimulator) BumpTimestamp() {
	meta := &metadata.MetaFiles{Version: rs.Snapshot.Signed.Version}
	if rs.ComputeMetafileHashesAndLength {
		meta.Hashes, meta.Length = rs.hashesAndLength(metadata.SNAPSHOT)
	}
	rs.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)] = meta
	rs.Timestamp.Signed.Version++
}

// BumpSnapshot records the current version of every targets role in
// snapshot meta, bumps the snapshot version and cascades into
// BumpTimestamp.
func (rs *RepositorySimulator) BumpSnapshot() {
	record := func(roleName string, version int64) {
		meta := &metadata.MetaFiles{Version: version}
		if rs.ComputeMetafileHashesAndLength {
			meta.Hashes, meta.Length = rs.hashesAndLength(roleName)
		}
		rs.Snapshot.Signed.Meta[metadata.MetaFileName(roleName)] = meta
	}
	record(metadata.TARGETS, rs.Targets.Signed.Version)
	for roleName, delegate := range rs.Delegates {
		record(roleName, delegate.Signed.Version)
	}
	rs.Snapshot.Signed.Version++
	rs.BumpTimestamp()
}

func (rs *RepositorySimulator) hashesAndLength(roleName string) (metadata.Hashes, int64) {
	data, err := rs.fetchMetadata(roleName, -1)
	if err != nil {
		log.Panicf("hash %s: %v", roleName, err)
	}
	digest := sha256.Sum256(data)
	return metadata.Hashes{"sha256": digest[:]}, int64(len(data))
}

// delegator returns the signed targets payload for a delegating role.
func (rs *RepositorySimulator) delegator(roleName string) *metadata.TargetsType {
	if roleName == metadata.TARGETS {
		return &rs.Targets.Signed
	}
	return &rs.Delegates[roleName].Signed
}

// AddTarget stores data as a served target file and records it in the
// given targets role.
func (rs *RepositorySimulator) AddTarget(roleName string, data []byte, path string) *metadata.TargetFiles {
	target, err := metadata.TargetFile().FromBytes(path, data, "sha256")
	if err != nil {
		log.Panicf("add target %s: %v", path, err)
	}
	rs.delegator(roleName).Targets[path] = target
	rs.targetFiles[path] = repositoryTarget{data: data, targetFile: target}
	return target
}

// AddDelegation appends role to delegatorName's delegations, creates a
// key for it and registers an empty targets payload under its name.
func (rs *RepositorySimulator) AddDelegation(delegatorName string, role metadata.DelegatedRole, targets metadata.TargetsType) {
	delegator := rs.delegator(delegatorName)
	if delegator.Delegations != nil && delegator.Delegations.SuccinctRoles != nil {
		log.Panicln("cannot mix named and succinct delegations")
	}
	if delegator.Delegations == nil {
		delegator.Delegations = &metadata.Delegations{
			Keys:  map[string]*metadata.Key{},
			Roles: []metadata.DelegatedRole{},
		}
	}
	delegator.Delegations.Roles = append(delegator.Delegations.Roles, role)

	key, signer := CreateKey()
	if err := delegator.AddKey(key, role.Name); err != nil {
		log.Panicf("add delegation key: %v", err)
	}
	rs.AddSigner(role.Name, key.ID(), signer)
	if _, ok := rs.Delegates[role.Name]; !ok {
		rs.Delegates[role.Name] = &metadata.Metadata[metadata.TargetsType]{Signed: targets}
	}
}

// AddSuccinctRoles replaces delegatorName's delegations with a succinct
// hashed bin scheme of 2^bitLength bins, all sharing one key, and
// registers an empty targets payload per bin.
func (rs *RepositorySimulator) AddSuccinctRoles(delegatorName string, bitLength int, namePrefix string) {
	delegator := rs.delegator(delegatorName)
	if delegator.Delegations != nil && delegator.Delegations.Roles != nil {
		log.Panicln("cannot mix named and succinct delegations")
	}
	key, signer := CreateKey()
	succinct := &metadata.SuccinctRoles{
		KeyIDs:     []string{},
		Threshold:  1,
		BitLength:  bitLength,
		NamePrefix: namePrefix,
	}
	delegator.Delegations = &metadata.Delegations{
		Keys:          map[string]*metadata.Key{},
		SuccinctRoles: succinct,
	}
	for _, binName := range succinct.GetRoles() {
		rs.Delegates[binName] = &metadata.Metadata[metadata.TargetsType]{
			Signed: metadata.TargetsType{
				Type:        metadata.TARGETS,
				SpecVersion: metadata.SPECIFICATION_VERSION,
				Version:     1,
				Expires:     rs.SafeExpiry,
				Targets:     map[string]*metadata.TargetFiles{},
			},
		}
		rs.AddSigner(binName, key.ID(), signer)
	}
	if err := delegator.AddKey(key, namePrefix); err != nil {
		log.Panicf("add succinct key: %v", err)
	}
}

// DownloadFile implements fetcher.Fetcher against the in-memory state.
func (rs *RepositorySimulator) DownloadFile(urlPath string, maxLength int64, timeout time.Duration) ([]byte, error) {
	data, err := rs.serve(urlPath)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxLength {
		return nil, metadata.ErrDownloadLengthMismatch{
			Msg: fmt.Sprintf("downloaded %d bytes exceeding the maximum allowed length of %d", len(data), maxLength),
		}
	}
	return data, nil
}

func (rs *RepositorySimulator) serve(urlPath string) ([]byte, error) {
	parsed, err := url.Parse(urlPath)
	if err != nil {
		return nil, err
	}
	path := parsed.Path
	if i := strings.Index(path, "/metadata/"); i >= 0 {
		name := strings.TrimSuffix(path[i+len("/metadata/"):], ".json")
		version, roleName := splitVersion(name)
		return rs.fetchMetadata(roleName, version)
	}
	if i := strings.Index(path, "/targets/"); i >= 0 {
		return rs.fetchTarget(path[i+len("/targets/"):])
	}
	return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
}

// splitVersion separates an optional numeric version prefix from a
// metadata file name, e.g. "3.root" into 3 and "root". The version is
// -1 when the name has none.
func splitVersion(name string) (int64, string) {
	prefix, rest, found := strings.Cut(name, ".")
	if !found {
		return -1, name
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return -1, name
	}
	return version, rest
}

// fetchMetadata signs and serializes the requested role. Root is served
// from the published history; a version of -1 means the latest for root
// and is ignored for other roles.
func (rs *RepositorySimulator) fetchMetadata(roleName string, version int64) ([]byte, error) {
	rs.MetadataFetches[roleName]++
	if roleName == metadata.ROOT {
		if version == -1 {
			version = int64(len(rs.SignedRoots))
		}
		if version < 1 || version > int64(len(rs.SignedRoots)) {
			return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: fmt.Sprintf("%d.root.json", version)}
		}
		return rs.SignedRoots[version-1], nil
	}
	switch roleName {
	case metadata.TIMESTAMP:
		return signMetadata(rs, roleName, rs.Timestamp)
	case metadata.SNAPSHOT:
		return signMetadata(rs, roleName, rs.Snapshot)
	case metadata.TARGETS:
		return signMetadata(rs, roleName, rs.Targets)
	default:
		delegate, ok := rs.Delegates[roleName]
		if !ok {
			return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: metadata.MetaFileName(roleName)}
		}
		return signMetadata(rs, roleName, delegate)
	}
}

func signMetadata[T metadata.Roles](rs *RepositorySimulator, roleName string, md *metadata.Metadata[T]) ([]byte, error) {
	md.ClearSignatures()
	for _, signer := range rs.Signers[roleName] {
		if _, err := md.Sign(signer); err != nil {
			return nil, err
		}
	}
	return md.ToBytes(false)
}

// fetchTarget serves target bytes, stripping and checking the hash
// prefix consistent snapshot clients put in the file name.
func (rs *RepositorySimulator) fetchTarget(targetPath string) ([]byte, error) {
	hashPrefix := ""
	if rs.Root.Signed.ConsistentSnapshot && rs.PrefixTargetsWithHash {
		dir := ""
		name := targetPath
		if i := strings.LastIndex(targetPath, "/"); i >= 0 {
			dir, name = targetPath[:i+1], targetPath[i+1:]
		}
		hashPrefix, name, _ = strings.Cut(name, ".")
		targetPath = dir + name
	}
	rs.TargetFetches[targetPath]++
	target, ok := rs.targetFiles[targetPath]
	if !ok {
		return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: targetPath}
	}
	if hashPrefix != "" && !hasHash(target.targetFile.Hashes, hashPrefix) {
		return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: targetPath}
	}
	return target.data, nil
}

func hasHash(hashes metadata.Hashes, hexDigest string) bool {
	for _, value := range hashes {
		if hex.EncodeToString(value) == hexDigest {
			return true
		}
	}
	return false
}
