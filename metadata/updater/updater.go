// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package updater drives the client workflow: it refreshes the four top
// level roles in trust order against a remote repository and resolves
// artifact paths through the delegation graph, loading and verifying
// delegated targets metadata on demand.
//
// An Updater owns one trust context. Callers serialize Refresh and
// GetTargetInfo on an instance; downloads of resolved artifacts are
// independent of trust state and may be fanned out by the caller.
package updater

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/updatetrust/go-updatetrust/metadata"
	"github.com/updatetrust/go-updatetrust/metadata/config"
	"github.com/updatetrust/go-updatetrust/metadata/fetcher"
	"github.com/updatetrust/go-updatetrust/metadata/localstore"
	"github.com/updatetrust/go-updatetrust/metadata/trustedmetadata"
)

// Updater binds a trust context to its collaborators: the fetcher that
// retrieves remote bytes and the local store that persists every
// successfully validated metadata file.
type Updater struct {
	trusted         *trustedmetadata.TrustedMetadata
	cfg             *config.UpdaterConfig
	fetcher         fetcher.Fetcher
	local           localstore.LocalStore
	metadataBaseURL string
	targetBaseURL   string
	targetDir       string
}

// New creates an Updater and bootstraps trust from rootBytes, or from
// the local store's cached root when rootBytes is nil. A nil fetcher
// selects the built-in HTTP fetcher; a nil local store disables the
// metadata cache.
func New(rootBytes []byte, metadataBaseURL, targetBaseURL, targetDir string, f fetcher.Fetcher, local localstore.LocalStore) (*Updater, error) {
	if f == nil {
		f = &fetcher.DefaultFetcher{}
	}
	up := &Updater{
		cfg:             config.New(),
		fetcher:         f,
		local:           local,
		metadataBaseURL: ensureTrailingSlash(metadataBaseURL),
		targetBaseURL:   ensureTrailingSlash(targetBaseURL),
		targetDir:       targetDir,
	}
	if local == nil {
		up.cfg.DisableLocalCache = true
	}
	if rootBytes == nil {
		var err error
		rootBytes, err = up.loadLocalMetadata(metadata.ROOT)
		if err != nil {
			return nil, err
		}
		if rootBytes == nil {
			return nil, metadata.ErrRuntime{Msg: "no trusted root metadata provided and none cached"}
		}
	}
	trusted, err := trustedmetadata.New(rootBytes)
	if err != nil {
		return nil, err
	}
	up.trusted = trusted
	// cache the bootstrap root so later sessions can start without it
	if err := up.persistMetadata(metadata.ROOT, rootBytes); err != nil {
		return nil, err
	}
	return up, nil
}

// Config returns the updater's bounds so callers can adjust them before
// the first Refresh.
func (up *Updater) Config() *config.UpdaterConfig {
	return up.cfg
}

// Trusted exposes the trust context for inspection.
func (up *Updater) Trusted() *trustedmetadata.TrustedMetadata {
	return up.trusted
}

// Refresh updates the top level metadata in the required order: root
// rotation chain, timestamp, snapshot, top level targets. Each
// validated file is persisted to the local store before the next step,
// so an interrupted refresh never leaves the cache ahead of memory or
// half written. Any validation error aborts the cycle immediately with
// the previously trusted state intact on disk.
//
// Delegated targets metadata is not refreshed here; it loads on demand
// during GetTargetInfo against the snapshot this refresh pinned.
func (up *Updater) Refresh() error {
	if err := up.loadRoot(); err != nil {
		return err
	}
	if err := up.loadTimestamp(); err != nil {
		return err
	}
	if err := up.loadSnapshot(); err != nil {
		return err
	}
	_, err := up.loadTargets(metadata.TARGETS, metadata.ROOT)
	return err
}

// loadRoot walks the root rotation chain: it requests version N+1,
// N+2, ... until the repository reports no such version, feeding each
// candidate to the trusted set. The loop is capped by
// MaxRootRotations. A missing candidate means the rotation is
// complete, not an error; any other fetch failure is fatal.
func (up *Updater) loadRoot() error {
	lowerBound := up.trusted.Root.Signed.Version + 1
	upperBound := lowerBound + up.cfg.MaxRootRotations

	for nextVersion := lowerBound; nextVersion < upperBound; nextVersion++ {
		data, err := up.downloadMetadata(metadata.ROOT, up.cfg.RootMaxLength, strconv.FormatInt(nextVersion, 10))
		if err != nil {
			var httpErr metadata.ErrDownloadHTTP
			if errors.As(err, &httpErr) && (httpErr.StatusCode == 404 || httpErr.StatusCode == 403) {
				// current root is the newest available
				return nil
			}
			return err
		}
		if _, err := up.trusted.UpdateRoot(data); err != nil {
			return err
		}
		if err := up.persistMetadata(metadata.ROOT, data); err != nil {
			return err
		}
	}
	// hitting the rotation cap is not an error here; a stale root is
	// caught when the timestamp loads
	return nil
}

// loadTimestamp primes rollback protection from the cached timestamp,
// then loads the remote one. A remote timestamp at the already trusted
// version is not an error; it just means nothing changed.
func (up *Updater) loadTimestamp() error {
	log := metadata.GetLogger()
	if data, err := up.loadLocalMetadata(metadata.TIMESTAMP); err != nil {
		return err
	} else if data != nil {
		if _, err := up.trusted.UpdateTimestamp(data); err != nil {
			// cached timestamp invalid or stale, remote decides
			log.Info("Local timestamp not valid as final", "err", err)
		}
	}
	data, err := up.downloadMetadata(metadata.TIMESTAMP, up.cfg.TimestampMaxLength, "")
	if err != nil {
		return err
	}
	if _, err := up.trusted.UpdateTimestamp(data); err != nil {
		if errors.Is(err, metadata.ErrEqualVersionNumber{}) {
			// the cached timestamp is already the current one
			return nil
		}
		return err
	}
	return up.persistMetadata(metadata.TIMESTAMP, data)
}

// loadSnapshot reuses the cached snapshot when it already matches what
// the trusted timestamp references, and only then downloads a new one,
// by version when the repository uses consistent snapshots.
func (up *Updater) loadSnapshot() error {
	log := metadata.GetLogger()
	if data, err := up.loadLocalMetadata(metadata.SNAPSHOT); err != nil {
		return err
	} else if data != nil {
		// cached data was length/hash checked when first trusted
		if _, err := up.trusted.UpdateSnapshot(data, true); err == nil {
			log.Info("Local snapshot is valid: not downloading new one")
			return nil
		} else {
			log.Info("Local snapshot not valid as final", "err", err)
		}
	}
	snapshotMeta := up.trusted.Timestamp.Signed.Meta[metadata.MetaFileName(metadata.SNAPSHOT)]
	maxLength := snapshotMeta.Length
	if maxLength == 0 {
		maxLength = up.cfg.SnapshotMaxLength
	}
	version := ""
	if up.trusted.Root.Signed.ConsistentSnapshot {
		version = strconv.FormatInt(snapshotMeta.Version, 10)
	}
	data, err := up.downloadMetadata(metadata.SNAPSHOT, maxLength, version)
	if err != nil {
		return err
	}
	if _, err := up.trusted.UpdateSnapshot(data, false); err != nil {
		return err
	}
	return up.persistMetadata(metadata.SNAPSHOT, data)
}

// loadTargets returns the trusted metadata for roleName, loading and
// validating it (cache first, then remote) when this refresh has not
// seen it yet.
func (up *Updater) loadTargets(roleName, delegatorName string) (*metadata.Metadata[metadata.TargetsType], error) {
	log := metadata.GetLogger()
	// roles are validated at most once per refresh
	if role, ok := up.trusted.Targets[roleName]; ok {
		return role, nil
	}
	if data, err := up.loadLocalMetadata(roleName); err != nil {
		return nil, err
	} else if data != nil {
		if delegate, err := up.trusted.UpdateDelegatedTargets(data, roleName, delegatorName); err == nil {
			log.Info("Local targets are valid: not downloading new ones", "role", roleName)
			return delegate, nil
		}
	}
	metaInfo, ok := up.trusted.Snapshot.Signed.Meta[metadata.MetaFileName(roleName)]
	if !ok {
		return nil, metadata.ErrRepository{Msg: fmt.Sprintf("snapshot does not contain information for %s", roleName)}
	}
	maxLength := metaInfo.Length
	if maxLength == 0 {
		maxLength = up.cfg.TargetsMaxLength
	}
	version := ""
	if up.trusted.Root.Signed.ConsistentSnapshot {
		version = strconv.FormatInt(metaInfo.Version, 10)
	}
	data, err := up.downloadMetadata(roleName, maxLength, version)
	if err != nil {
		return nil, err
	}
	delegate, err := up.trusted.UpdateDelegatedTargets(data, roleName, delegatorName)
	if err != nil {
		return nil, err
	}
	if err := up.persistMetadata(roleName, data); err != nil {
		return nil, err
	}
	return delegate, nil
}

// delegation is one edge of the delegation graph scheduled for a
// visit: the delegated role, who delegated it, whether the edge is
// terminating, and how deep in the graph it sits.
type delegation struct {
	role        string
	delegator   string
	terminating bool
	depth       int
}

// GetTargetInfo resolves targetPath through the delegation graph and
// returns the verified artifact record for it. Refresh runs implicitly
// first if this updater has no trusted targets yet. Exhausting the
// graph without a match returns metadata.ErrTargetNotFound, which
// carries no trust failure; exceeding the visit or depth bounds is an
// error.
//
// The walk is preorder depth first in declared delegation order, so
// the match found is the one from the most trusted role. Once a
// terminating delegation has been visited, no later delegation of any
// earlier role is considered for this path.
func (up *Updater) GetTargetInfo(targetPath string) (*metadata.TargetFiles, error) {
	if up.trusted.Targets[metadata.TARGETS] == nil {
		if err := up.Refresh(); err != nil {
			return nil, err
		}
	}

	stack := []delegation{{role: metadata.TARGETS, delegator: metadata.ROOT}}
	visited := map[string]bool{}
	for len(stack) > 0 {
		// pop the most recently scheduled delegation
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// the graph is a DAG; a role reachable through several
		// delegators is expanded once
		if visited[current.role] {
			continue
		}
		if len(visited) >= up.cfg.MaxDelegations {
			return nil, metadata.ErrMaxDelegations{Target: targetPath, MaxDelegations: up.cfg.MaxDelegations}
		}
		visited[current.role] = true

		if current.depth > up.cfg.MaxDelegationDepth {
			return nil, metadata.ErrMaxDelegationDepth{Target: targetPath, MaxDepth: up.cfg.MaxDelegationDepth}
		}
		// a terminating edge cuts off every delegation scheduled
		// before it; only its own subtree remains in play
		if current.terminating {
			stack = stack[:0]
		}
		targets, err := up.loadTargets(current.role, current.delegator)
		if err != nil {
			return nil, err
		}
		if targetInfo, ok := targets.Signed.Targets[targetPath]; ok {
			targetInfo.Path = targetPath
			return targetInfo, nil
		}
		if targets.Signed.Delegations == nil {
			continue
		}
		// push in reverse declared order so the first declared role is
		// visited first
		responsible := targets.Signed.Delegations.GetRolesForTarget(targetPath)
		for i := len(responsible) - 1; i >= 0; i-- {
			stack = append(stack, delegation{
				role:        responsible[i].Name,
				delegator:   current.role,
				terminating: responsible[i].Terminating,
				depth:       current.depth + 1,
			})
		}
	}
	return nil, metadata.ErrTargetNotFound{Target: targetPath}
}

// DownloadTarget fetches the artifact described by targetFile, verifies
// its length and hashes and writes it to filePath (a generated path
// under the updater's target directory when empty). It returns the
// path the artifact was written to.
func (up *Updater) DownloadTarget(targetFile *metadata.TargetFiles, filePath, targetBaseURL string) (string, error) {
	log := metadata.GetLogger()
	var err error
	if filePath == "" {
		filePath, err = up.generateTargetFilePath(targetFile)
		if err != nil {
			return "", err
		}
	}
	if targetBaseURL == "" {
		if up.targetBaseURL == "" {
			return "", metadata.ErrValue{Msg: "targetBaseURL must be set in either DownloadTarget() or the Updater struct"}
		}
		targetBaseURL = up.targetBaseURL
	} else {
		targetBaseURL = ensureTrailingSlash(targetBaseURL)
	}
	targetRemotePath := targetFile.Path
	if up.trusted.Root.Signed.ConsistentSnapshot && up.cfg.PrefixTargetsWithHash {
		hashValue := ""
		for _, v := range targetFile.Hashes {
			hashValue = hex.EncodeToString(v)
			break
		}
		dirName := ""
		baseName := targetRemotePath
		if i := strings.LastIndex(targetRemotePath, "/"); i >= 0 {
			dirName, baseName = targetRemotePath[:i+1], targetRemotePath[i+1:]
		}
		targetRemotePath = fmt.Sprintf("%s%s.%s", dirName, hashValue, baseName)
	}
	fullURL := targetBaseURL + targetRemotePath
	data, err := up.fetcher.DownloadFile(fullURL, targetFile.Length, up.cfg.FetchTimeout)
	if err != nil {
		return "", err
	}
	if err := targetFile.VerifyLengthHashes(data); err != nil {
		return "", err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", err
	}
	log.Info("Downloaded target", "path", targetFile.Path)
	return filePath, nil
}

// FindCachedTarget reports whether a previously downloaded file already
// matches targetFile, returning its path when it does and "" when a
// download is needed.
func (up *Updater) FindCachedTarget(targetFile *metadata.TargetFiles, filePath string) (string, error) {
	var err error
	if filePath == "" {
		filePath, err = up.generateTargetFilePath(targetFile)
		if err != nil {
			return "", err
		}
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		// not cached yet
		return "", nil
	}
	if err := targetFile.VerifyLengthHashes(data); err != nil {
		// cached file is stale
		return "", nil
	}
	return filePath, nil
}

// downloadMetadata fetches a metadata file by role name, version
// prefixed when version is set.
func (up *Updater) downloadMetadata(roleName string, maxLength int64, version string) ([]byte, error) {
	escapedRole := url.QueryEscape(roleName)
	urlPath := up.metadataBaseURL
	if version == "" {
		urlPath += fmt.Sprintf("%s.json", escapedRole)
	} else {
		urlPath += fmt.Sprintf("%s.%s.json", version, escapedRole)
	}
	return up.fetcher.DownloadFile(urlPath, maxLength, up.cfg.FetchTimeout)
}

// persistMetadata records a validated metadata file in the local store.
func (up *Updater) persistMetadata(roleName string, data []byte) error {
	if up.cfg.DisableLocalCache || up.local == nil {
		return nil
	}
	return up.local.Save(roleName, data)
}

// loadLocalMetadata returns the cached bytes for a role, or nil when
// the cache is disabled or has no copy.
func (up *Updater) loadLocalMetadata(roleName string) ([]byte, error) {
	if up.cfg.DisableLocalCache || up.local == nil {
		return nil, nil
	}
	data, err := up.local.Load(roleName)
	if err != nil {
		if errors.Is(err, localstore.ErrAbsent) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// generateTargetFilePath maps a target path to a file under the target
// directory, URL escaping the repository controlled name.
func (up *Updater) generateTargetFilePath(tf *metadata.TargetFiles) (string, error) {
	if up.targetDir == "" {
		return "", metadata.ErrValue{Msg: "target directory must be set if filePath is not given"}
	}
	return url.JoinPath(up.targetDir, url.QueryEscape(tf.Path))
}

func ensureTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
